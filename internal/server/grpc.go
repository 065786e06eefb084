package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultHealthInterval is how often account availability is refreshed.
const DefaultHealthInterval = 5 * time.Second

// Health publishes per-account availability on the standard gRPC health
// service. The service name of an account is its id; the empty name is the
// gateway as a whole, NOT_SERVING while any account is unavailable.
type Health struct {
	manager  ManagerStats
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewHealth creates the health service.
func NewHealth(manager ManagerStats, interval time.Duration, logger *slog.Logger) *Health {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		manager:  manager,
		server:   health.NewServer(),
		interval: interval,
		logger:   logger.With("component", "grpc_health"),
	}
	h.Refresh()
	return h
}

// Server returns the underlying health server.
func (h *Health) Server() *health.Server {
	return h.server
}

// Refresh updates every status from the manager.
func (h *Health) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, a := range h.manager.Stats().Accounts {
		status := healthpb.HealthCheckResponse_SERVING
		if !a.Available {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.server.SetServingStatus(a.Account, status)
	}
	h.server.SetServingStatus("", overall)
}

// Run serves gRPC on addr until ctx ends.
func (h *Health) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.server)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("grpc health listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("grpc serve: %w", err)
		case <-ticker.C:
			h.Refresh()
		case <-ctx.Done():
			h.server.Shutdown()
			srv.GracefulStop()
			h.logger.Info("grpc health stopped")
			return nil
		}
	}
}
