// Package grpcapi serves the gRPC health protocol for lowpand. The overall
// status and one service per interface follow the interfaces' ND state.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/psaab/lowpand/pkg/stack"
)

// ServicePrefix prefixes the per-interface health service names.
const ServicePrefix = "lowpand.nd."

// Config configures the gRPC server.
type Config struct {
	Stack *stack.Stack
	// Interval is how often health is recomputed. Zero means one second.
	Interval time.Duration
}

// Server publishes interface health over grpc.health.v1.
type Server struct {
	stack    *stack.Stack
	health   *health.Server
	interval time.Duration
	addr     string
	known    map[string]bool
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	s := &Server{
		stack:    cfg.Stack,
		health:   health.NewServer(),
		interval: cfg.Interval,
		addr:     addr,
		known:    make(map[string]bool),
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Health returns the health service implementation.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", s.addr)
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Refresh(ctx)
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			s.health.Shutdown()
			srv.GracefulStop()
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh recomputes every health status from a stack snapshot.
func (s *Server) Refresh(ctx context.Context) {
	if !s.stack.Running() {
		s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	snap, err := s.stack.Collect(ctx)
	if err != nil {
		slog.Debug("grpcapi: snapshot failed", "err", err)
		s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}

	overall := healthpb.HealthCheckResponse_SERVING
	seen := make(map[string]bool, len(snap.Interfaces))
	for _, ifc := range snap.Interfaces {
		name := ServicePrefix + ifc.Name
		seen[name] = true
		st := healthpb.HealthCheckResponse_SERVING
		if !ifc.Active {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
		}
		s.health.SetServingStatus(name, st)
	}
	for name := range s.known {
		if !seen[name] {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
	s.health.SetServingStatus("", overall)
}

func (s *Server) setAll(st healthpb.HealthCheckResponse_ServingStatus) {
	for name := range s.known {
		s.health.SetServingStatus(name, st)
	}
	s.health.SetServingStatus("", st)
}
