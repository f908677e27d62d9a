// Package server implements the HTTP server that exposes the Quilora query
// and indexing pipelines via a REST/SSE API.
// The server is started by the `quilora serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quilora/quilora-go/internal/rag"
)

// New constructs a Server from the provided pipelines and config.
func New(answerer answerer, indexer indexer, cfg *Config) (*Server, error) {
	if answerer == nil {
		return nil, fmt.Errorf("server: answerer must not be nil")
	}
	if indexer == nil {
		return nil, fmt.Errorf("server: indexer must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := cfg.MetricsRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateBurst := cfg.RateBurst
	if rateBurst <= 0 {
		rateBurst = defaultRateBurst
	}
	rl, stopRL := newRateLimiter(rateLimit, rateBurst, log)

	s := &Server{
		answerer: answerer,
		indexer:  indexer,
		history:  cfg.History,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(registry),
		registry: registry,
		stopRL:   stopRL,
	}

	if cfg.APIKey == "" {
		log.Warn("server: API key not configured — authentication disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/query", s.protected(rl, s.instrument("query", http.HandlerFunc(s.handleQuery))))
	mux.Handle("POST /api/documents", s.protected(rl, s.instrument("index", http.HandlerFunc(s.handleIndex))))
	mux.Handle("DELETE /api/documents/{id}", s.protected(rl, s.instrument("delete", http.HandlerFunc(s.handleDelete))))
	mux.Handle("DELETE /api/documents", s.protected(rl, s.instrument("delete_all", http.HandlerFunc(s.handleDeleteAll))))
	mux.Handle("GET /api/history", s.protected(rl, s.instrument("history", http.HandlerFunc(s.handleHistory))))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// protected chains the auth and rate-limit middleware for API routes.
func (s *Server) protected(rl *rateLimiter, next http.Handler) http.Handler {
	return authMiddleware(s.cfg.APIKey, rl.middleware(next))
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("quilora server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a pipeline error onto an HTTP status and JSON body. The
// error kind, when present, is surfaced so clients can branch on it without
// parsing messages.
func writeError(w http.ResponseWriter, err error) {
	kind := rag.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, errorResponse{Kind: string(kind), Error: err.Error()})
}

// statusForKind maps error kinds onto HTTP statuses. Timeouts surface as
// 504 so callers can distinguish a slow dependency from a broken one.
func statusForKind(kind rag.Kind) int {
	switch kind {
	case rag.KindEmbeddingTimeout, rag.KindSearchTimeout, rag.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case rag.KindResourceInit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
