package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geotrackd/internal/common/config"
	"geotrackd/internal/common/db"
	"geotrackd/internal/common/log"
	"geotrackd/internal/common/rabbitmq"
	"geotrackd/internal/common/ws"
	"geotrackd/internal/tracking/adapters/api"
	"geotrackd/internal/tracking/adapters/provider"
	"geotrackd/internal/tracking/adapters/queue"
	"geotrackd/internal/tracking/adapters/repository"
	"geotrackd/internal/tracking/app"
	"geotrackd/internal/tracking/domain"
	"geotrackd/internal/tracking/view"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New("trackerd")
	log.Info(ctx, logger, "init_start", "Tracker daemon initializing...")

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Error(ctx, logger, "config_load_fail", "Failed to load config file", err)
		os.Exit(1)
	}
	log.Info(ctx, logger, "config_loaded", "Configuration loaded successfully")

	// Postgres
	dbPool, err := db.ConnectPostgres(ctx, cfg.DB, logger)
	if err != nil {
		log.Error(ctx, logger, "connect_db_fail", "Failed to connect to database", err)
		os.Exit(1)
	}

	// RabbitMQ (handles reconnect loop internally)
	rmq := rabbitmq.NewMQ(cfg.RMQ, logger)
	if err := rmq.Connect(ctx); err != nil {
		log.Error(ctx, logger, "rmq_connect_fail", "Failed to connect to RabbitMQ", err)
		os.Exit(1)
	}
	if err := rmq.DeclareTopology(); err != nil {
		log.Error(ctx, logger, "rmq_declare_topology_fail", "Failed to declare RabbitMQ topology", err)
		os.Exit(1)
	}
	log.Info(ctx, logger, "rmq_ready", "RabbitMQ topology declared")

	// Adapters around the positioning daemon and the side channels.
	daemon := provider.NewClient(cfg.Daemon, logger)
	registrar := queue.NewBackgroundWatch(rmq, logger)
	historyRepo := repository.NewHistoryRepository(dbPool)
	hub := ws.NewHub(logger)

	foregroundCfg := domain.WatchConfig{
		Accuracy:        domain.AccuracyHigh,
		MinInterval:     cfg.Tracking.ForegroundInterval,
		MinDisplacement: cfg.Tracking.ForegroundDisplacement,
	}
	backgroundCfg := domain.BackgroundConfig{
		WatchConfig: domain.WatchConfig{
			Accuracy:        domain.AccuracyHigh,
			MinInterval:     cfg.Tracking.BackgroundInterval,
			MinDisplacement: cfg.Tracking.BackgroundDisplacement,
		},
		DeferredWindow: cfg.Tracking.DeferredWindow,
		Notification: domain.Notification{
			Title: "Location tracking active",
			Body:  "Your position is being recorded.",
			Color: "#2E86DE",
		},
	}

	// The coordinator is built once here and handed by reference to the view
	// and the HTTP surface; the background registrar is an explicit
	// dependency rather than an ambient registration.
	coordinator := app.NewCoordinator(
		logger,
		daemon, daemon, daemon,
		registrar,
		foregroundCfg, backgroundCfg,
		historyRepo,
		api.NewStreamSink(hub),
	)

	trackerView := view.New(logger, coordinator)
	trackerView.Mount(ctx)

	handler := api.NewHandler(coordinator, trackerView, historyRepo, hub, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info(ctx, logger, "http_server_start", fmt.Sprintf("Starting HTTP server on port %d", cfg.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, logger, "http_server_fail", "HTTP server failed", err)
			cancel()
		}
	}()

	// Wait for termination signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		log.Info(ctx, logger, "shutdown_signal", "Shutdown signal received")
	case <-ctx.Done():
		log.Info(ctx, logger, "shutdown_ctx", "Context canceled")
	}

	// Guaranteed teardown: release any live subscription before the
	// transports go away.
	trackerView.Unmount(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, logger, "http_shutdown_fail", "HTTP server shutdown failed", err)
	} else {
		log.Info(ctx, logger, "http_shutdown", "HTTP server stopped")
	}

	rmq.Close()
	dbPool.Close()

	log.Info(ctx, logger, "shutdown_complete", "Tracker daemon stopped")
}
