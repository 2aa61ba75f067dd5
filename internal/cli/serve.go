package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/scenesync/internal/api"
	"github.com/manpreetbhatti/scenesync/internal/config"
	"github.com/manpreetbhatti/scenesync/internal/hook"
	"github.com/manpreetbhatti/scenesync/internal/identity"
	"github.com/manpreetbhatti/scenesync/internal/persist"
	"github.com/manpreetbhatti/scenesync/internal/ratelimit"
	"github.com/manpreetbhatti/scenesync/internal/room"
	"github.com/manpreetbhatti/scenesync/internal/ws"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the websocket sync server and the admin HTTP API.

Endpoints:
  WebSocket: /ws/{scene} or /ws?scene={scene}
  Health:    GET /health
  Stats:     GET /api/stats
  Scenes:    GET /api/scenes
  Scene:     GET/DELETE /api/scenes/{id}
  Snapshot:  GET /api/scenes/{id}/snapshot
  History:   GET /api/scenes/{id}/history?since=N
  Flush:     POST /api/scenes/{id}/flush`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, nil)
		},
	}
}

// runServe serves until ctx is done. When ready is non-nil it receives the
// bound listener address once the server accepts connections.
func runServe(ctx context.Context, opts *RootOptions, ready chan<- string) error {
	cfg := opts.Config
	logger := opts.Logger

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()
	logger.Info("store ready", "store", describeStore(cfg.Store))

	gateway := persist.NewGateway(st, logger)

	dispatcher := hook.NewDispatcher(cfg.Hook.Buffer, cfg.Hook.Timeout, logger)
	if cfg.Hook.RedisAddr != "" {
		publisher, err := hook.NewRedisPublisher(ctx, cfg.Hook.RedisAddr, cfg.Hook.RedisPrefix+":")
		if err != nil {
			return WrapExitError(ExitCommandError, "connect observer", err)
		}
		defer publisher.Close()
		dispatcher.Subscribe(publisher)
		logger.Info("publishing room events to redis", "addr", cfg.Hook.RedisAddr, "prefix", cfg.Hook.RedisPrefix)
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	registry := room.NewRegistry(gateway, roomConfig(cfg), logger, room.WithHook(dispatcher))
	flusher := persist.NewFlusher(registry, persist.FlusherConfig{
		Interval: cfg.Flush.Interval,
		Timeout:  cfg.Flush.Timeout,
	}, logger)
	registry.SetScheduler(flusher)
	flusher.Start()
	registry.Start(cfg.Room.ReapInterval)

	limits := ratelimit.NewSet(cfg.Rate.PerSecond, cfg.Rate.Burst, cfg.Rate.Idle)
	go limits.Run(time.Minute)
	defer limits.Stop()

	hub := ws.NewHub(logger)
	go hub.Run()

	resolver := identity.NewResolver(cfg.Auth.JWTSecret, cfg.Auth.RequireToken)
	live := ws.NewHandler(hub, registry, resolver, limits, ws.Config{
		MaxMessageSize: cfg.Server.MaxMessageSize,
		SendBuffer:     cfg.Server.SendBuffer,
		PongWait:       cfg.Room.HeartbeatTimeout,
	}, logger)

	admin := api.New(hub, registry, gateway, logger)
	admin.SetHook(dispatcher)
	srv := &http.Server{
		Handler:           admin.Router(live),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	logger.Info("scenesync listening", "addr", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	var failure error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			failure = err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Hijacked websocket connections are not closed by Shutdown.
	if n := hub.CloseAll(); n > 0 {
		logger.Info("closed connections", "count", n)
	}
	hub.Stop()
	registry.Stop()
	flusher.Stop()
	if failure != nil {
		return fmt.Errorf("serve: %w", failure)
	}
	return nil
}

func roomConfig(cfg *config.Config) room.Config {
	return room.Config{
		DependencyWindow: cfg.Room.DependencyWindow,
		HeartbeatTimeout: cfg.Room.HeartbeatTimeout,
		TailRetain:       cfg.Room.TailRetain,
		MaxBatch:         cfg.Room.MaxBatch,
	}
}
