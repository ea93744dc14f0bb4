// Package server exposes the ledger over gRPC and HTTP/JSON. Both surfaces
// share one request layer; mutations are serialized through the runner.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PariLedger/internal/core"
	"PariLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Config struct {
	GRPCAddr string
	HTTPAddr string
	// RateLimit is requests per second across the HTTP gateway; 0 disables it.
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Deps holds everything the transports call into.
type Deps struct {
	Controller *core.Controller
	Runner     *core.Runner
	Clock      core.Clock
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Log        zerolog.Logger
}

type Server struct {
	cfg        Config
	api        *api
	grpcServer *grpc.Server
	grpcHealth *health.Server
	checker    *observability.HealthChecker
	handler    http.Handler
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Clock == nil {
		deps.Clock = core.NewMonotonicClock()
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		api:     newAPI(deps.Controller, deps.Runner, deps.Clock),
		checker: deps.Health,
		metrics: deps.Metrics,
		log:     deps.Log.With().Str("component", "server").Logger(),
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(unaryInterceptor(s.metrics, s.log)))
	s.grpcServer.RegisterService(&ledgerServiceDesc, s.api)

	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpcHealth.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)

	gw := runtime.NewServeMux()
	if err := s.registerRoutes(gw); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.checker.LivenessHandler)
	mux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	mux.Handle("/", rateLimit(limiter, gw))
	s.handler = mux

	return s, nil
}

// SetServing flips readiness on both the HTTP probes and the gRPC health
// service.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.grpcHealth.SetServingStatus("", st)
	s.grpcHealth.SetServingStatus(LedgerServiceName, st)
	s.checker.SetReady(ok)
}

// Handler is the HTTP surface: probes plus the gateway routes.
func (s *Server) Handler() http.Handler { return s.handler }

// GRPC exposes the gRPC server for in-process listeners.
func (s *Server) GRPC() *grpc.Server { return s.grpcServer }

// ServeGRPC listens on the configured address until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcHealth.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// ServeHTTP runs the gateway until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
