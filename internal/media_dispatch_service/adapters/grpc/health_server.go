package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// ServiceName is the health-check service name reported alongside the overall ("") status.
const ServiceName = "dashboard.media_dispatch"

// HealthServer exposes the standard gRPC health service. Serving status
// follows message store connectivity.
type HealthServer struct {
	server   *ggrpc.Server
	health   *health.Server
	store    domain.MessageStore
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthServer(store domain.MessageStore, interval time.Duration, logger *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := ggrpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	reflection.Register(s)
	return &HealthServer{
		server:   s,
		health:   h,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "grpc_health_server"),
	}
}

// Refresh pings the store once and publishes the resulting serving status.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		h.logger.WarnContext(ctx, "Message store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve serves on lis until ctx is cancelled, refreshing the status periodically.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.server.GracefulStop()
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()
	h.logger.InfoContext(ctx, "gRPC health server listening", "address", lis.Addr().String())
	if err := h.server.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the given TCP port and calls Serve.
func (h *HealthServer) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", port, err)
	}
	return h.Serve(ctx, lis)
}
