// Package server exposes the gateway over HTTP: the canonical messages
// surface, an OpenAI-compatible surface, token counting, and the operator
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/gateway"
	"github.com/modelrelay/relay/pkg/observability"
	"github.com/modelrelay/relay/pkg/protocol"
)

// Server is the HTTP front door.
type Server struct {
	gateway    *gateway.Gateway
	cfg        config.ServerConfig
	registry   *prometheus.Registry
	obs        *observability.Manager
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsRegistry serves the given registry at /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithObservability attaches request tracing and metrics.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) { s.obs = obs }
}

// New builds a server over a gateway.
func New(gw *gateway.Gateway, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{gateway: gw, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.setupRouting(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	slog.Info("HTTP server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouting() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogging)

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/routing", s.handleRouting)

	metricsHandler := promhttp.Handler()
	if s.registry != nil {
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	r.Get("/metrics", metricsHandler.ServeHTTP)

	return r
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		slog.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", duration)
		if s.obs != nil {
			s.obs.RequestMetrics().RecordRequest(r.Context(),
				r.URL.Path, fmt.Sprintf("%d", rec.status), duration)
		}
	})
}

// errorBody is the client-visible error shape: a stable code, a message and
// the request id. Worker ids, endpoints and upstream bodies never appear.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, err error, requestID string) {
	gerr := protocol.AsGatewayError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.HTTPStatus(gerr.Kind))
	_ = json.NewEncoder(w).Encode(errorBody{
		ErrorCode: string(gerr.Kind),
		Message:   gerr.Message,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
