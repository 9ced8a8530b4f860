package control

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/observability"
)

// Watchable is an application registry whose changes can be observed.
type Watchable interface {
	Names() []string
	ApplicationState(name string) (app.State, error)
	Subscribe(fn app.Subscriber)
}

// Server is the control gRPC server.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewServer assembles the gRPC server with the control, health and
// reflection services. collector may be nil.
func NewServer(svc *Service, collector *observability.ControlCollector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}

	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	Register(gs, svc)
	reflection.Register(gs)

	return &Server{grpc: gs, health: hs, log: log}
}

// Health returns the health server so callers can publish statuses.
func (s *Server) Health() *health.Server {
	return s.health
}

// WatchApplications mirrors every application state into the health
// server (RUNNING is SERVING) and, when collector is set, into the state
// gauge.
func (s *Server) WatchApplications(apps Watchable, collector *observability.ControlCollector) {
	publish := func(name string, st app.State) {
		s.health.SetServingStatus(name, servingStatus(st))
		collector.SetApplicationState(name, int(st))
	}
	apps.Subscribe(func(name string, _, to app.State) { publish(name, to) })
	for _, name := range apps.Names() {
		if st, err := apps.ApplicationState(name); err == nil {
			publish(name, st)
		}
	}
}

func servingStatus(st app.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == app.Running {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info(ctx, "control gRPC server listening", logging.String("addr", lis.Addr().String()))

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			s.log.Info(context.Background(), "control gRPC server shutting down")
			s.health.Shutdown()
			s.grpc.GracefulStop()
		case <-doneCh:
		}
	}()

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("control server failed: %w", err)
	}
	return nil
}
