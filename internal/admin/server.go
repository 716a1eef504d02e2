package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"mcastqueue/internal/ring"
	"mcastqueue/internal/telemetry"
)

// Service is the health service name peers report under, in addition to the
// server-wide empty name.
const Service = "mcastqueue.Peer"

// Server is the admin endpoint of one peer.
type Server struct {
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener

	metrics *http.Server
	httpLis net.Listener
}

// NewServer creates an admin server reporting NOT_SERVING until SetStatus
// says otherwise.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger: logger,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpc)
	s.SetStatus(ring.Unjoined)
	return s
}

// Start serves gRPC on addr in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.lis = lis
	s.logger.Info("admin server listening", zap.Stringer("addr", lis.Addr()))
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the gRPC listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// StartMetrics serves /metrics over HTTP on addr in the background.
func (s *Server) StartMetrics(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.httpLis = lis
	s.logger.Info("metrics listening", zap.Stringer("addr", lis.Addr()))
	go func() {
		if err := s.metrics.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// MetricsAddr returns the metrics listen address, or nil before StartMetrics.
func (s *Server) MetricsAddr() net.Addr {
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// SetStatus maps a membership state to a health status. It can be passed
// directly as node.Options.OnStatus.
func (s *Server) SetStatus(status ring.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status == ring.Active {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(Service, serving)
}

// Stop shuts both servers down.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
}
