// Package grpc exposes bus health through the standard gRPC health service.
//
// The service name of each bus is its name; the empty service name reports
// the combined health of every bus seen so far.
//
//	svc := grpc.New()
//	svc.Register(server)
//	svc.Watch(opsReceiver) // follows snapshots posted by stream.Broadcaster
package grpc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rbaliyan/channelbus"
	"github.com/rbaliyan/channelbus/monitor"
	"github.com/rbaliyan/channelbus/monitor/stream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service bridges monitor snapshots into a gRPC health server.
type Service struct {
	health *health.Server
	logger *slog.Logger

	mu       sync.Mutex
	statuses map[string]healthpb.HealthCheckResponse_ServingStatus
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a new health bridge. Until the first snapshot arrives the
// overall status is NOT_SERVING.
func New(opts ...Option) *Service {
	s := &Service{
		health:   health.NewServer(),
		logger:   slog.Default().With("component", "monitor>grpc"),
		statuses: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register registers the health service with a gRPC server.
func (s *Service) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s.health)
}

// HealthServer returns the underlying health server
func (s *Service) HealthServer() *health.Server {
	return s.health
}

// Update applies a snapshot.
func (s *Service) Update(snap monitor.Snapshot) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if snap.IsHealthy() {
		st = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.statuses[snap.Bus]; !ok || prev != st {
		s.logger.Info("bus health changed", "bus", snap.Bus, "status", st.String())
	}
	s.statuses[snap.Bus] = st
	s.health.SetServingStatus(snap.Bus, st)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, v := range s.statuses {
		if v != healthpb.HealthCheckResponse_SERVING {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.health.SetServingStatus("", overall)
}

// Check takes a snapshot of bus right away and applies it.
func (s *Service) Check(ctx context.Context, bus *channelbus.Bus) {
	s.Update(*monitor.Take(ctx, bus))
}

// Watch follows the snapshots posted on r's bus. When the subscription ends,
// for example because that bus closed, every service is reported as
// NOT_SERVING and later updates are ignored.
func (s *Service) Watch(r *channelbus.Receiver) (*channelbus.Subscription, error) {
	sub, err := stream.Watch(r, func(_ context.Context, snap monitor.Snapshot) error {
		s.Update(snap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-sub.Done()
		s.Shutdown()
	}()
	return sub, nil
}

// Shutdown reports NOT_SERVING for every service and ignores later updates.
func (s *Service) Shutdown() {
	s.logger.Debug("health service shutting down")
	s.health.Shutdown()
}
