// Package grpchealth exposes the standard grpc.health.v1 service for the gateway
// and a client to probe it.
package grpchealth

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/mimirai/voice-gateway/internal/observability"
)

// ServiceName is the service reported alongside the overall "" status
const ServiceName = "voice-gateway"

// Server serves grpc.health.v1.Health
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewServer creates a health server reporting NOT_SERVING until SetServing is called
func NewServer() *Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second,
			Timeout: 3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{
		grpc:   srv,
		health: hs,
		logger: observability.GetLogger().With().Str("component", "grpc_health").Logger(),
	}
	s.SetServing(false)
	return s
}

// SetServing updates the overall status and the gateway service status
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Monitor runs checks every interval and reports SERVING only while all pass.
// Calling it while a monitor is running has no effect.
func (s *Server) Monitor(interval time.Duration, checks map[string]observability.HealthCheckFunc) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	if s.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.monitorCancel = cancel
	s.monitorDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s.SetServing(s.runChecks(ctx, interval, checks))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Server) runChecks(ctx context.Context, timeout time.Duration, checks map[string]observability.HealthCheckFunc) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy := true
	for name, check := range checks {
		ok, err := check(checkCtx)
		if err != nil || !ok {
			healthy = false
			s.logger.Warn().Err(err).Str("dependency", name).Msg("Dependency unhealthy")
		}
	}
	return healthy
}

func (s *Server) stopMonitor() {
	s.monitorMu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel, s.monitorDone = nil, nil
	s.monitorMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown switches every service to NOT_SERVING and stops the server,
// forcing it closed if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopMonitor()
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC graceful stop timed out, forcing")
		s.grpc.Stop()
	}
	s.logger.Info().Msg("gRPC health server stopped")
}
