// Package grpcserver runs the operations endpoint: the standard gRPC health
// service, kept current by periodic dependency checks.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the chat backend.
const ServiceName = "mobichat.v1.Chat"

// Check probes one dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server is the ops gRPC server.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	stopping bool
}

// New constructs Server. With no checks the service reports SERVING at once.
func New(log *zap.Logger, interval time.Duration, checks ...Check) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpc:     gs,
		health:   hs,
		checks:   checks,
		interval: interval,
		timeout:  interval / 2,
		log:      log,
	}
	if len(checks) == 0 {
		s.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("ops serve: %w", err)
	}
	return nil
}

// Run probes dependencies every interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	_ = s.Probe(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Probe(ctx)
		}
	}
}

// Probe runs every check once and publishes the aggregate status.
func (s *Server) Probe(ctx context.Context) error {
	var failed []error
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := c.Ping(cctx)
		cancel()
		if err != nil {
			s.log.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	if len(failed) > 0 {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return errors.Join(failed...)
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Drain reports NOT_SERVING for good, so balancers stop routing before the
// listeners close.
func (s *Server) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	s.health.Shutdown()
}

// Shutdown drains and stops the server, forcing it after ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.Drain()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
