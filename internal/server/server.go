// Package server orchestrates the public API server and the admin server.
// The API server handles registration, login, and gated speech synthesis;
// the admin server exposes health checks, readiness probes, and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voicegate/voicegate/internal/admit"
	"github.com/voicegate/voicegate/internal/api"
	"github.com/voicegate/voicegate/internal/auth"
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/middleware"
	"github.com/voicegate/voicegate/internal/observability"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/tts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// gatedRoutes are the POST paths placed behind the per-user admission gate.
var gatedRoutes = []string{"/records", "/concurrent-requests"}

// Server is the main voicegate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a new voicegate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	accessTTL, _ := config.ParseDuration(cfg.Auth.AccessTokenTTL, 60*time.Minute)
	refreshTTL, _ := config.ParseDuration(cfg.Auth.RefreshTokenTTL, 7*24*time.Hour)
	tokens := auth.NewTokenService([]byte(cfg.Auth.Secret.Value()), accessTTL, refreshTTL)

	st := store.New(auth.NewHasher(cfg.Auth.BcryptCost), cfg.Credits.StartingBalance)

	synth, err := buildSynthesizer(cfg, logger)
	if err != nil {
		return nil, err
	}

	simDelay, _ := config.ParseDuration(cfg.Simulation.Delay, 3*time.Second)
	handlers := api.New(st, tokens, synth, simDelay, logger, metrics)

	registry := admit.NewRegistry(cfg.Limits.PerUserConcurrency)
	chain := middleware.NewChain(
		buildMux(handlers),
		tokens,
		registry,
		gatedRoutes,
		logger,
		metrics,
	)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  buildMainServer(cfg, chain, logger),
		adminServer: buildAdminServer(cfg, health, reg, logger),
		health:      health,
		metrics:     metrics,
	}, nil
}

// buildSynthesizer wires the external TTS provider, or a local stub when no
// API key is configured so the service can run end to end in development.
func buildSynthesizer(cfg *config.Config, logger *slog.Logger) (tts.Synthesizer, error) {
	if cfg.TTS.APIKey.Value() == "" {
		logger.Warn("tts.api_key is not set; using the local synthesis stub")
		return &tts.Stub{}, nil
	}
	client, err := tts.NewClient(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts client: %w", err)
	}
	return client, nil
}

func buildMux(h *api.Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.Register)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("GET /user", h.Profile)
	mux.HandleFunc("POST /records", h.CreateRecord)
	mux.HandleFunc("POST /concurrent-requests", h.Simulate)
	return mux
}

func buildMainServer(cfg *config.Config, chain *middleware.Chain, logger *slog.Logger) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(chain, h2s),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// Run starts both the API and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("voicegate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting", "address", s.cfg.Server.Address)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
