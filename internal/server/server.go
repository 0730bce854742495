// Package server exposes the orchestrator over HTTP (intake, run status,
// run event stream, health and metrics) and gRPC (standard health service).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kubilitics/kubilitics-incident/internal/config"
	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/intake"
	"github.com/kubilitics/kubilitics-incident/internal/middleware"
	"github.com/kubilitics/kubilitics-incident/internal/models"
	"github.com/kubilitics/kubilitics-incident/internal/workflow"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "kubilitics.incident.v1.Orchestrator"

// Admitter admits normalized incident events.
type Admitter interface {
	Admit(ctx context.Context, ev *models.IncidentEvent) (intake.Admission, error)
}

// Canceller cancels the active run of an incident.
type Canceller interface {
	Cancel(ctx context.Context, fingerprint, reason string) (string, error)
}

// EventSource streams run lifecycle events for an incident.
type EventSource interface {
	Subscribe(fingerprint string) *workflow.Subscriber
	Unsubscribe(fingerprint string, sub *workflow.Subscriber)
}

// Store is the read side of persistence the API serves from.
type Store interface {
	GetIncident(ctx context.Context, fingerprint string) (*models.Incident, error)
	ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error)
	LatestRun(ctx context.Context, fingerprint string) (*models.WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error)
	ListDeliveries(ctx context.Context, runID string) ([]*db.DeliveryRecord, error)
	Ping(ctx context.Context) error
}

// Deps are the components the server routes requests to.
type Deps struct {
	Intake    Admitter
	Canceller Canceller
	Events    EventSource
	Store     Store
}

// Server represents the orchestrator's network surface.
type Server struct {
	config *config.Config
	deps   Deps
	logger *zap.Logger

	limiter   *middleware.RateLimiter
	heartbeat time.Duration

	// HTTP / gRPC servers
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. Every dependency is required.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Intake == nil || deps.Canceller == nil || deps.Events == nil || deps.Store == nil {
		return nil, fmt.Errorf("server dependencies are incomplete")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger.Named("server"),
		heartbeat: 30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		health:    health.NewServer(),
	}
	if cfg.Server.IntakeRatePerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.IntakeRatePerMin)
	}
	return s, nil
}

// Handler returns the HTTP handler with CORS and tracing applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.registerHandlers(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return otelhttp.NewHandler(c.Handler(router), "incident-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	)
}

// registerHandlers registers all HTTP routes.
func (s *Server) registerHandlers(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	intakeRouter := api.NewRoute().Subrouter()
	if s.limiter != nil {
		intakeRouter.Use(s.limiter.Middleware)
	}
	intakeRouter.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	intakeRouter.HandleFunc("/alertmanager", s.handleAlertmanager).Methods(http.MethodPost)

	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{fingerprint}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{fingerprint}", s.handleCancelRun).Methods(http.MethodDelete)
	api.HandleFunc("/runs/{fingerprint}/report", s.handleRunReport).Methods(http.MethodGet)
	api.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{fingerprint}", s.handleGetIncident).Methods(http.MethodGet)

	router.HandleFunc("/ws/runs/{fingerprint}", s.handleRunStream).Methods(http.MethodGet)
}

// Start starts the HTTP server and, when a gRPC port is configured, the gRPC
// health server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	httpLis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", httpLis.Addr().String()))
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.config.Server.GRPCPort > 0 {
		if err := s.startGRPC(); err != nil {
			_ = s.Stop(context.Background())
			return err
		}
	}
	return nil
}

// startGRPC serves grpc.health.v1 instrumented with go-grpc-prometheus.
func (s *Server) startGRPC() error {
	addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	grpc_prometheus.Register(s.grpcServer)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the servers down and closes open run streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.health.Shutdown()
	s.cancel()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("http shutdown: %w", shutdownErr)
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-ctx.Done():
			s.grpcServer.Stop()
		case <-stopped:
		}
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.wg.Wait()
	return err
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HealthServer exposes the gRPC health service so callers can flip serving
// status (for example while the store is unreachable).
func (s *Server) HealthServer() *health.Server {
	return s.health
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}
