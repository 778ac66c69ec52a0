// Package server exposes the orchestrator over HTTP: execution and
// assessment endpoints, execution history, metrics, and a websocket channel
// on which human approvers answer confirmation requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/metrics"
	"github.com/michaelbrown/warden/internal/orchestrator"
	"github.com/michaelbrown/warden/internal/storage"
)

// Options wires the server's collaborators. Only Orchestrator is required.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Store        storage.Store
	Metrics      *metrics.Collector
	// Confirmations enables the websocket approval channel.
	Confirmations *confirm.Interactive
	// Sessions is the approver registry Confirmations publishes through.
	Sessions *SessionManager
	// MaxTimeout caps timeoutSeconds on inbound requests.
	MaxTimeout time.Duration
}

// Server is the HTTP server for the warden API.
type Server struct {
	orch          *orchestrator.Orchestrator
	store         storage.Store
	metrics       *metrics.Collector
	confirmations *confirm.Interactive
	sessions      *SessionManager
	maxTimeout    time.Duration
	logger        *zap.Logger
	router        chi.Router
	http          *http.Server
}

// New creates a new Server.
func New(opts Options, logger *zap.Logger) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessionManager(logger)
	}
	s := &Server{
		orch:          opts.Orchestrator,
		store:         opts.Store,
		metrics:       opts.Metrics,
		confirmations: opts.Confirmations,
		sessions:      opts.Sessions,
		maxTimeout:    opts.MaxTimeout,
		logger:        logger.With(zap.String("component", "http_server")),
		router:        chi.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/executions", s.handleExecute)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/assess", s.handleAssess)
		r.Get("/stats", s.handleStats)

		r.Get("/confirmations", s.handleListConfirmations)
		r.Post("/confirmations/{id}", s.handleResolveConfirmation)

		r.Delete("/sessions/{id}", s.handleEndSession)
		// WebSocket (content type is ignored after the upgrade)
		r.Get("/sessions/{id}/ws", s.handleWebSocket)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("warden server starting", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown closes approver connections and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
