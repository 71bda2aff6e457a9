package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
)

func TestHeartbeat_SendsExpectedPayloadOnStart(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hosts/heartbeat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var p heartbeatPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		received.Store(p)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := &config.Config{MainBackendURL: srv.URL, ServerName: "test-node", PublicURL: "https://node.example", Region: "us-east"}
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hb := New(cfg, "guild-1", fakeClock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.send(ctx)

	got, ok := received.Load().(heartbeatPayload)
	if !ok {
		t.Fatalf("expected a heartbeat payload to have been received")
	}
	want := heartbeatPayload{Name: "test-node", PublicURL: "https://node.example", ServerID: "guild-1", Region: "us-east", Version: Version}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHeartbeat_SilentOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := &config.Config{MainBackendURL: srv.URL, ServerName: "test-node"}
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hb := New(cfg, "guild-1", fakeClock, nil)

	done := make(chan struct{})
	go func() {
		hb.send(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("send did not return promptly on a permanent failure")
	}
}

func TestHeartbeat_RetriesOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := &config.Config{MainBackendURL: srv.URL, ServerName: "test-node"}
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hb := New(cfg, "guild-1", fakeClock, nil)

	hb.send(context.Background())

	if got := attempts.Load(); got < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", got)
	}
}
