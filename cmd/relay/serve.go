package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/assistant"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/presence"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/unread"
	"github.com/haasonsaas/relay/internal/workers"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the WebSocket gateway and HTTP API.

The server shuts down gracefully on SIGINT/SIGTERM: new connections are
refused with close code 1012 and live ones are drained for
realtime.shutdown_grace before being closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	cfg.Logging.LevelVar = levelVar
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceCfg := cfg.Observability.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracing := observability.NewTracer(traceCfg)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics(nil)

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	hub := rooms.NewHub(nil, logger)
	layer, err := channellayer.Open(ctx, cfg.ChannelLayer, hub, logger)
	if err != nil {
		return fmt.Errorf("open channel layer: %w", err)
	}
	defer layer.Close()
	fanout := channellayer.NewFanout(layer, metrics.ObserveBroadcast)

	bus := events.NewBus(logger)
	if cfg.Events.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Events.Kafka, logger)
		if err != nil {
			return fmt.Errorf("start kafka export: %w", err)
		}
		defer sink.Close()
		sink.OnDrop(func(t events.Type) {
			logger.Warn("kafka export queue full, event dropped", "event", t)
		})
		bus.Subscribe(sink.Handle)
	}

	pool := workers.New(cfg.Realtime.Workers)
	defer pool.Close()

	tracker := presence.NewTracker(stores.Presence, stores.Connections, fanout, logger, presence.WithEvents(bus))
	if !cfg.Presence.DisableReaper {
		reaper, err := presence.NewReaper(tracker, stores.Presence, cfg.Presence.Reaper, logger)
		if err != nil {
			return fmt.Errorf("presence reaper: %w", err)
		}
		reaper.Start()
		defer reaper.Stop()
	}

	counter := unread.NewCounter(stores.Conversations, fanout, logger)
	msgRouter := router.New(stores.Conversations, stores.Messages, counter, fanout, pool, cfg.Router, logger, router.WithEvents(bus))
	defer msgRouter.Close()

	notifyPool := workers.New(cfg.Realtime.NotifyWorkers)
	defer notifyPool.Close()
	notifier := notify.NewService(stores, fanout, logger, notify.WithEvents(bus), notify.WithPool(notifyPool))
	notifier.Subscribe(bus)

	provider, err := assistant.NewProvider(cfg.Assistant)
	switch {
	case errors.Is(err, assistant.ErrDisabled):
		provider = nil
	case err != nil:
		return fmt.Errorf("assistant provider: %w", err)
	}

	gate := auth.NewGate(auth.NewService(cfg.Auth), stores.Users, cfg.Auth, logger)

	srv, err := gateway.New(gateway.Config{
		Heartbeat:      cfg.Realtime.Heartbeat,
		ShutdownGrace:  cfg.Realtime.ShutdownGrace,
		SendBuffer:     cfg.Realtime.SendBuffer,
		MaxFrameBytes:  cfg.Realtime.MaxFrameBytes,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		RateLimit:      cfg.Realtime.RateLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Assistant:      cfg.Assistant,
	}, gateway.Deps{
		Gate:          gate,
		Hub:           hub,
		Conversations: stores.Conversations,
		Presence:      tracker,
		Router:        msgRouter,
		Notify:        notifier,
		Assistant:     provider,
		Metrics:       metrics,
		Tracer:        tracer,
		Ready:         stores.Ping,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	srv.Start(ctx)

	watcher, err := config.Watch(ctx, path, 0, func(next *config.Config) {
		level := observability.LogLevelFromString(next.Logging.Level)
		if levelVar.Level() != level {
			levelVar.Set(level)
			logger.Info("log level changed", "level", level.String())
		}
	}, logger)
	if err != nil {
		logger.Warn("config watch disabled", "path", path, "error", err)
	} else {
		defer watcher.Close()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			"addr", httpServer.Addr,
			"version", version,
			"channel_layer", cfg.ChannelLayer.Backend,
			"database", cfg.Database.Backend,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session drain incomplete", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

// openStores builds the configured storage backend. SQL databases are
// migrated to the latest schema first.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.StoreSet, error) {
	if cfg.Database.Backend != "sql" {
		logger.Warn("using in-memory storage; data is lost on restart")
		return storage.NewMemoryStores(), nil
	}
	sqlCfg := cfg.Database.SQL
	db, dialect, err := storage.OpenDB(&sqlCfg)
	if err != nil {
		return storage.StoreSet{}, err
	}
	migrator, err := storage.NewMigrator(db, dialect)
	if err != nil {
		_ = db.Close()
		return storage.StoreSet{}, err
	}
	applied, err := migrator.Up(ctx, 0)
	_ = db.Close()
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("migrate database: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("database migrated", "applied", applied)
	}
	return storage.NewSQLStores(&sqlCfg)
}
