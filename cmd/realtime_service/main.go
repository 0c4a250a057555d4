package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/dashboard_services/internal/platform/config"
	"github.com/aradsms/dashboard_services/internal/platform/database"
	"github.com/aradsms/dashboard_services/internal/platform/httpserver"
	"github.com/aradsms/dashboard_services/internal/platform/logger"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
	"github.com/aradsms/dashboard_services/internal/realtime_service/app"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/repository/postgres"
	"github.com/aradsms/dashboard_services/internal/realtime_service/repository/sqlite"
	"github.com/aradsms/dashboard_services/internal/realtime_service/transport/ws"
)

const (
	serviceName           = "realtime-service"
	statusQueueGroup      = "realtime_status_appliers"
	statusEventBufferSize = 100
	shutdownTimeout       = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("Realtime service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	appLogger, level := logger.New(cfg.LogLevel)
	appLogger = appLogger.With("service", serviceName)
	slog.SetDefault(appLogger)
	appLogger.Info("Realtime service starting...", "log_level", cfg.LogLevel, "store_driver", cfg.StoreDriver)

	loader.Watch(func(next *config.Config) {
		level.Set(logger.ParseLevel(next.LogLevel))
		appLogger.Info("Configuration reloaded", "log_level", next.LogLevel)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStatusStore(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeStore()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	hub := app.NewHub(appLogger)
	events := make(chan app.ProviderStatusEvent, statusEventBufferSize)
	statusConsumer := app.NewStatusEventConsumer(natsClient, appLogger, events)
	processor := app.NewStatusEventProcessor(store, app.NewNATSNoticeRelay(natsClient), appLogger)
	noticeConsumer := app.NewNoticeConsumer(natsClient, hub, appLogger)

	router := httpserver.NewRouter(map[string]httpserver.HealthCheck{
		"store": store.Ping,
		"nats": func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	})
	ws.NewHandler(hub, cfg.RealtimeSendBuffer, appLogger).Routes(router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return statusConsumer.StartConsuming(gctx, statusQueueGroup) })
	g.Go(func() error { return processor.Run(gctx, events) })
	g.Go(func() error { return noticeConsumer.StartConsuming(gctx) })
	g.Go(func() error {
		return httpserver.Serve(gctx, cfg.RealtimeHTTPPort, router, shutdownTimeout, appLogger)
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		appLogger.Warn("Failed to notify systemd", "error", err)
	}
	appLogger.Info("Realtime service started", "http_port", cfg.RealtimeHTTPPort)

	err = g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Realtime service shut down successfully.")
	return nil
}

func openStatusStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.StatusStore, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, 5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("Using SQLite status store", "path", cfg.SQLitePath)
		return sqlite.NewStatusStore(db), func() { _ = db.Close() }, nil
	case "postgres", "":
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		logger.Info("Successfully connected to PostgreSQL database")
		return postgres.NewPgStatusStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
