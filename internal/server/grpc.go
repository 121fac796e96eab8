// Package server exposes the admin surface: gRPC health and reflection, and
// a JSON gateway for runtime state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"TradeArena/internal/degradation"
	"TradeArena/internal/matchmaking"
	"TradeArena/internal/observability"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"
	"TradeArena/internal/state"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name of the match runtime.
const ServiceName = "tradearena.Runtime"

// StateSource reports the degradation state. Implemented by degradation.Manager.
type StateSource interface {
	State() degradation.SystemState
	CoordinationHealthy() bool
	DatabaseHealthy() bool
}

// QueueView is a read view of the matchmaking queue.
type QueueView interface {
	QueueSize() int
	Tickets() []matchmaking.Ticket
}

// Deps holds everything the admin endpoints read.
type Deps struct {
	State    StateSource
	Breakers *resilience.Registry
	Rooms    *room.Manager
	Ledger   *state.Ledger
	Freeze   *degradation.FreezeController
	Queue    QueueView
	Health   *observability.HealthChecker
	Logger   zerolog.Logger
}

// Server wraps the gRPC server and the HTTP gateway mux.
type Server struct {
	deps       Deps
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	gateway    *runtime.ServeMux
	grpcAddr   string
	httpAddr   string
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		deps:       deps,
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
	}
	gw, err := s.newGateway()
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	return s, nil
}

// OnTransition is the degradation listener that keeps the gRPC health status
// and the readiness probe in line with the system state. The runtime stops
// serving trades while FROZEN.
func (s *Server) OnTransition(_ context.Context, _, to degradation.SystemState) {
	status := healthpb.HealthCheckResponse_SERVING
	if to == degradation.StateFrozen {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	if s.deps.Health != nil {
		s.deps.Health.SetSystemState(to.String())
	}
}

// HealthStatus returns the current serving status of the runtime service.
func (s *Server) HealthStatus(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Handler returns the HTTP gateway handler.
func (s *Server) Handler() http.Handler {
	return s.gateway
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.deps.Logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON admin gateway (blocking).
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
