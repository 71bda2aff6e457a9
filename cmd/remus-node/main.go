// Command remus-node runs one self-hosted community node: the HTTP
// control plane, the realtime gateway, the voice SFU coordinator, and
// the heartbeat that announces this node to the external authority.
//
// On startup:
//  1. Loads and validates environment configuration.
//  2. Opens the store, running bring-up (migration, legacy import,
//     node guild + default channel/role seeding) as needed.
//  3. Wires the permission engine, identity resolver, HTTP server,
//     realtime gateway, and voice coordinator together.
//  4. Starts the heartbeat loop and the HTTP listener.
//  5. Blocks until SIGINT/SIGTERM, then shuts down in reverse order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/gateway"
	"github.com/remus-node/remus/internal/httpapi"
	"github.com/remus-node/remus/internal/identity"
	"github.com/remus-node/remus/internal/moderation"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/store"
	"github.com/remus-node/remus/internal/voice"
)

// Exit codes, per §6: environment validation failure, port already in
// use, media worker (SFU) failed to start, corrupted database that
// bring-up could not salvage.
const (
	exitOK = iota
	exitConfig
	exitPortInUse
	exitMediaWorker
	exitDatabase
)

func main() {
	os.Exit(run())
}

func run() int {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("remus-node", moderation.Version)
		return exitOK
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading configuration", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	st, err := store.Open(ctx, store.Config{Dir: dataDir(cfg), Clock: clk, Logger: logger})
	if err != nil {
		logger.Error("opening store", "error", err)
		return exitDatabase
	}
	defer st.Close()

	guildID, err := st.NodeGuildID(ctx)
	if err != nil {
		logger.Error("resolving node guild", "error", err)
		return exitDatabase
	}
	logger.Info("store ready", "guild_id", guildID)

	perm := permission.New(st, clk)

	resolver := identity.New(cfg.MainBackendURL, clk)
	defer resolver.Close()

	httpServer := httpapi.New(st, perm, resolver, cfg, logger)

	gw := gateway.New(st, perm, resolver, cfg, clk, logger)

	voiceCoordinator, err := voice.New(st, perm, clk, gw, cfg, logger)
	if err != nil {
		logger.Error("starting voice coordinator", "error", err)
		return exitMediaWorker
	}
	gw.SetVoiceCoordinator(voiceCoordinator)
	httpServer.SetBroadcaster(gw)
	httpServer.SetVoiceModerator(voiceCoordinator)

	heartbeat := moderation.New(cfg, guildID, clk, logger)
	go heartbeat.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/socket", gw)
	mux.Handle("/", httpServer.Routes())

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("binding listener", "addr", addr, "error", err)
		return exitPortInUse
	}

	httpSrv := &http.Server{Handler: mux}
	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpSrv.Serve(listener)
	}()

	logger.Info("remus-node listening", "addr", addr, "server_name", cfg.ServerName)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out", "error", err)
	}

	return exitOK
}

// dataDir resolves the store's data directory: REMUS_DB_PATH's parent
// when the operator pinned an exact database file location, otherwise
// REMUS_RUNTIME_DIR/data as store.Config.Dir documents.
func dataDir(cfg *config.Config) string {
	if cfg.DBPath != "" {
		return filepath.Dir(cfg.DBPath)
	}
	return filepath.Join(cfg.RuntimeDir, "data")
}
