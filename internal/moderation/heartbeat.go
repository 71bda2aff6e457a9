// Package moderation implements the community node's cross-cutting
// lifecycle concerns (§4.7): the heartbeat this node sends to the
// external authority so it can be listed as reachable, on top of the
// ban/purge/audit operations §4.1's store and §4.4's HTTP handlers
// already carry out directly against the store.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
)

// Version identifies this node's build to the external authority's
// host registry. There is no build-stamped version source in this
// tree yet, so this is a fixed string until one is introduced.
const Version = "0.1.0"

const heartbeatInterval = 30 * time.Second

// heartbeatPayload matches §6's exact field set for
// POST /api/hosts/heartbeat.
type heartbeatPayload struct {
	Name      string `json:"name"`
	PublicURL string `json:"publicUrl"`
	ServerID  string `json:"serverId"`
	Region    string `json:"region"`
	Version   string `json:"version"`
}

// Heartbeat periodically announces this node to the external
// authority. A failed attempt is retried a bounded number of times
// with exponential backoff and then dropped silently, per §4.7 — the
// node keeps running with or without a reachable authority.
type Heartbeat struct {
	cfg      *config.Config
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	serverID string
}

// New builds a Heartbeat for the node identified by serverID (the
// node's single guild id, resolved once at startup).
func New(cfg *config.Config, serverID string, clk clock.Clock, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Heartbeat{
		cfg:      cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		clock:    clk,
		logger:   logger,
		serverID: serverID,
	}
}

// Run sends one heartbeat immediately and then one every 30 seconds
// until ctx is canceled, matching §4.7's "every 30 seconds (and once
// at startup)".
func (h *Heartbeat) Run(ctx context.Context) {
	runner := h.clock.NewPeriodicRunner(ctx, heartbeatInterval, true, func(time.Time) { h.send(ctx) })
	<-ctx.Done()
	runner.Stop()
}

func (h *Heartbeat) send(ctx context.Context) {
	payload := heartbeatPayload{
		Name:      h.cfg.ServerName,
		PublicURL: h.cfg.PublicURL,
		ServerID:  h.serverID,
		Region:    h.cfg.Region,
		Version:   Version,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encoding heartbeat payload", "error", err)
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 3), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		return h.post(ctx, body)
	}, policy)
	if err != nil {
		h.logger.Debug("heartbeat failed after retries", "attempts", attempt, "error", err)
	}
}

func (h *Heartbeat) post(ctx context.Context, body []byte) error {
	url := h.cfg.MainBackendURL + "/api/hosts/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("heartbeat: authority returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("heartbeat: authority returned %d", resp.StatusCode))
	}
	return nil
}
