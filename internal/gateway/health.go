package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"foresta.dev/guardian/internal/store"
)

// HealthServiceName is the gRPC health service name reported for the gateway.
const HealthServiceName = "guardian.gateway"

// HealthReporter keeps the standard gRPC health service in sync with database reachability.
type HealthReporter struct {
	logger   *slog.Logger
	store    *store.Store
	server   *health.Server
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// HealthReporterConfig holds the configuration for the HealthReporter.
type HealthReporterConfig struct {
	Logger   *slog.Logger
	Store    *store.Store
	Interval time.Duration
}

// NewHealthReporter creates a new HealthReporter. Both the overall and the gateway
// service start as NOT_SERVING until the first check.
func NewHealthReporter(cfg *HealthReporterConfig) (*HealthReporter, error) {
	if cfg == nil {
		return nil, errors.New("health reporter config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	h := &HealthReporter{
		logger:   cfg.Logger.With("component", "grpc_health"),
		store:    cfg.Store,
		server:   health.NewServer(),
		interval: interval,
		stopChan: make(chan struct{}),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)

	return h, nil
}

// Register installs the health service on a gRPC server.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server returns the underlying health server.
func (h *HealthReporter) Server() healthpb.HealthServer {
	return h.server
}

// Check pings the database once and updates the serving status.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("database unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Start runs Check on the configured interval.
func (h *HealthReporter) Start(ctx context.Context) {
	h.Check(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopChan:
				return
			case <-ticker.C:
				h.Check(ctx)
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and stops the check loop.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()
	h.server.Shutdown()
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
}
