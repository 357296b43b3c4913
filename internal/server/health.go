package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/farmstead/internal/config"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "farmstead.RoomServer"

// HealthServer exposes the standard gRPC health protocol. It starts
// NOT_SERVING and follows the lifecycle through SetServing.
type HealthServer struct {
	cfg    config.HealthConfig
	logger *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a health endpoint that is not yet listening.
//
// Precondition: logger must be non-nil.
// Postcondition: Both the overall and HealthService statuses are NOT_SERVING.
func NewHealthServer(cfg config.HealthConfig, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	h := &HealthServer{
		cfg:        cfg,
		logger:     logger,
		grpcServer: gs,
		health:     hs,
	}
	h.SetServing(false)
	return h
}

// SetServing flips the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
	h.logger.Info("health status", zap.String("status", status.String()))
}

// Start listens on the configured address and serves until Stop.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Addr(), err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.logger.Info("health endpoint listening", zap.String("addr", lis.Addr().String()))
	return h.grpcServer.Serve(lis)
}

// Stop reports NOT_SERVING to every watcher and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}

// Addr returns the listening address, or empty string before Start.
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return ""
}
