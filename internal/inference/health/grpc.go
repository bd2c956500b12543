package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name for the inference runtime.
// The empty name reports the same status for the whole server.
const ServiceName = "edgeinfer.Inference"

// DefaultRefreshInterval is how often the gRPC serving status follows the monitor.
const DefaultRefreshInterval = 5 * time.Second

// GRPCServer exposes the standard grpc.health.v1 service.
type GRPCServer struct {
	monitor  *Monitor
	port     int
	interval time.Duration
	log      *slog.Logger

	server *grpc.Server
	health *grpchealth.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGRPCServer creates a gRPC health server listening on port.
func NewGRPCServer(monitor *Monitor, port int, log *slog.Logger) *GRPCServer {
	if log == nil {
		log = slog.Default()
	}
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		monitor:  monitor,
		port:     port,
		interval: DefaultRefreshInterval,
		log:      log.With("component", "grpc-health"),
		server:   srv,
		health:   hs,
		stop:     make(chan struct{}),
	}
}

// Refresh sets the serving status from a fresh health check.
// Critical maps to NOT_SERVING; healthy and degraded both serve.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.monitor.CheckHealth(ctx).SystemStatus == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Health returns the underlying health service.
func (s *GRPCServer) Health() healthpb.HealthServer {
	return s.health
}

// Start listens and serves until Stop is called.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.Refresh(context.Background())
	go s.watch()
	return s.server.Serve(lis)
}

func (s *GRPCServer) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last healthpb.HealthCheckResponse_ServingStatus
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if status := s.Refresh(context.Background()); status != last {
				s.log.Info("Serving status changed", "status", status.String())
				last = status
			}
		}
	}
}

// Stop marks the service NOT_SERVING and shuts the server down gracefully,
// forcing it closed if ctx ends first.
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}
}
