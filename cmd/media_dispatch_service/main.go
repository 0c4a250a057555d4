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

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	grpcadapter "github.com/aradsms/dashboard_services/internal/media_dispatch_service/adapters/grpc"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/adapters/provider"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/app"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/repository/postgres"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/repository/sqlite"
	"github.com/aradsms/dashboard_services/internal/platform/config"
	"github.com/aradsms/dashboard_services/internal/platform/database"
	"github.com/aradsms/dashboard_services/internal/platform/httpserver"
	"github.com/aradsms/dashboard_services/internal/platform/logger"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
)

const (
	serviceName         = "media-dispatch-service"
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("Media dispatch service exited with error", "error", err)
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
	appLogger.Info("Media dispatch service starting...", "log_level", cfg.LogLevel, "store_driver", cfg.StoreDriver)

	loader.Watch(func(next *config.Config) {
		level.Set(logger.ParseLevel(next.LogLevel))
		appLogger.Info("Configuration reloaded", "log_level", next.LogLevel)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openMessageStore(ctx, cfg, appLogger)
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

	sender := newSender(cfg, appLogger)
	notifier := app.NewEnqueueNotifier(appLogger)
	worker := app.NewQueueWorker(store, sender, app.WorkerConfig{
		Kind:          app.DefaultWorkerConfig().Kind,
		PollInterval:  cfg.WorkerPollInterval,
		SendInterval:  cfg.WorkerSendInterval,
		RetryCooldown: cfg.WorkerRetryCooldown,
		SendTimeout:   cfg.WorkerSendTimeout,
		MaxAttempts:   cfg.WorkerMaxAttempts,
	}, appLogger,
		app.WithNoticePublisher(app.NewNATSNoticePublisher(natsClient)),
		app.WithWakeChannel(notifier.C()),
	)
	sweeper := app.NewStaleClaimSweeper(store, cfg.WorkerClaimTimeout, notifier, appLogger)
	healthServer := grpcadapter.NewHealthServer(store, healthCheckInterval, appLogger)

	router := httpserver.NewRouter(map[string]httpserver.HealthCheck{
		"store": store.Ping,
		"nats": func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return notifier.Listen(gctx, natsClient) })
	g.Go(func() error { return sweeper.Run(gctx, cfg.WorkerSweepSchedule) })
	g.Go(func() error { return healthServer.ListenAndServe(gctx, cfg.DispatchGRPCPort) })
	g.Go(func() error {
		return httpserver.Serve(gctx, cfg.DispatchHTTPPort, router, shutdownTimeout, appLogger)
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		appLogger.Warn("Failed to notify systemd", "error", err)
	}
	appLogger.Info("Media dispatch service started", "provider", sender.GetName(),
		"http_port", cfg.DispatchHTTPPort, "grpc_port", cfg.DispatchGRPCPort)

	err = g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Media dispatch service shut down successfully.")
	return nil
}

func openMessageStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.MessageStore, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, 5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("Using SQLite message store", "path", cfg.SQLitePath)
		return sqlite.NewMessageStore(db, logger), func() { _ = db.Close() }, nil
	case "postgres", "":
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		logger.Info("Successfully connected to PostgreSQL database")
		return postgres.NewPgMessageStore(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newSender(cfg *config.Config, logger *slog.Logger) domain.MediaSender {
	if cfg.ProviderMock {
		logger.Warn("Using mock media sender; nothing leaves this process")
		return provider.NewMockSender(logger, false, 0)
	}
	return provider.NewCloudAPISender(logger, cfg.ProviderBaseURL, cfg.ProviderPhoneNumberID,
		cfg.ProviderAccessToken, cfg.ProviderRatePerSec, &http.Client{Timeout: cfg.WorkerSendTimeout})
}
