package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/controller"
	"github.com/FairForge/spillway/internal/ingest"
)

// Config configures the HTTP server
type Config struct {
	Port int `json:"port"`
}

// Server exposes the subsystem's HTTP surface: the alert webhook, the
// diversion ingest path, and operational endpoints.
type Server struct {
	config     *Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	ingest     *ingest.Service
	ctrl       *controller.Controller
	startTime  time.Time
}

// NewServer creates the HTTP server
func NewServer(config *Config, logger *zap.Logger, ingestSvc *ingest.Service, ctrl *controller.Controller) *Server {
	s := &Server{
		config:    config,
		logger:    logger,
		router:    mux.NewRouter(),
		ingest:    ingestSvc,
		ctrl:      ctrl,
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/v1/alerts", s.handleAlert).Methods("POST")
	s.router.HandleFunc("/v1/mode", s.handleMode).Methods("GET")

	s.router.Use(s.loggingMiddleware)

	// Diverted traffic catch-all (MUST be last)
	s.router.PathPrefix("/v1/buffer/").HandlerFunc(s.handleIngest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ingest.Healthy(r)

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}

// handleAlert accepts events from the external alert evaluator. The
// endpoint is idempotent-safe: duplicates are swallowed downstream.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var ev controller.AlertEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "api: invalid alert payload", http.StatusBadRequest)
		return
	}

	switch ev.Kind {
	case controller.AlertHighLoad, controller.AlertRecovered:
	default:
		http.Error(w, fmt.Sprintf("api: unknown alert kind %q", ev.Kind), http.StatusBadRequest)
		return
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}

	s.ctrl.Submit(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	mode, weight := s.ctrl.Mode()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"mode":          mode.String(),
		"target_weight": weight,
		"version":       s.ctrl.Version(),
	})
}

// handleIngest strips the buffer prefix so the stored record carries
// the original request path.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.URL.Path = "/" + r.URL.Path[len("/v1/buffer/"):]
	s.ingest.Accept(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
