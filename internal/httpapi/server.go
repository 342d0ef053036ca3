// Package httpapi is the HTTP facade over the orchestrator: orchestrate,
// per-session SSE streams, classification, memory, machine toggles, and
// the events websocket. Handlers stay thin: validation and status
// mapping here, semantics in the packages behind the interfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miosa-osa/osa/internal/agent"
	"github.com/miosa-osa/osa/internal/auth"
	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/internal/memory"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/orchestrator"
	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/internal/ratelimit"
)

// Deliverer is the slice of the orchestrator the facade depends on.
type Deliverer interface {
	Deliver(ctx context.Context, req orchestrator.Request) (*agent.Result, error)
	Cancel(sessionID string) bool
}

// MemoryStore is the slice of the memory layer the facade depends on.
type MemoryStore interface {
	Append(ctx context.Context, e memory.Entry) (*memory.Entry, error)
	Get(ctx context.Context, key string) (*memory.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]memory.Entry, error)
}

// MachineToggles is the capability-group slice of the tool registry.
type MachineToggles interface {
	Machines() map[string]bool
	SetMachines(map[string]bool)
}

// Server routes facade requests. Build it with NewServer and mount
// Handler on an http.Server.
type Server struct {
	deliverer Deliverer
	memory    MemoryStore
	machines  MachineToggles
	tokens    *auth.TokenService
	limiter   *ratelimit.Limiter
	pubsub    *bus.PubSub

	metrics        *observability.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	now            func() time.Time
	version        string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the facade logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "httpapi")
		}
	}
}

// WithTokenService enables JWT auth on the API routes. A service with no
// secret leaves them open.
func WithTokenService(tokens *auth.TokenService) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithLimiter enables per-client rate limiting on the API routes.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMemory mounts the memory endpoints on a store.
func WithMemory(store MemoryStore) Option {
	return func(s *Server) { s.memory = store }
}

// WithMachines mounts the machine-toggle endpoints on a registry.
func WithMachines(m MachineToggles) Option {
	return func(s *Server) { s.machines = m }
}

// WithPubSub attaches the topic bridge the SSE and websocket endpoints
// subscribe through.
func WithPubSub(ps *bus.PubSub) Option {
	return func(s *Server) { s.pubsub = ps }
}

// WithMetrics attaches runtime metrics for request accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. Default: the
// prometheus default-registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metricsHandler = h
		}
	}
}

// WithVersion sets the version string /health reports.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer builds the facade around the orchestrator front door.
func NewServer(deliverer Deliverer, opts ...Option) *Server {
	s := &Server{
		deliverer:      deliverer,
		metricsHandler: promhttp.Handler(),
		logger:         slog.Default().With("component", "httpapi"),
		now:            time.Now,
		version:        "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route table. /health and /metrics are open; the
// /api/v1 routes go through request-id, logging, auth, and rate-limit
// middleware in that order.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler)

	api := func(h http.HandlerFunc) http.Handler {
		return s.withRequestID(s.logged(s.authenticated(s.limited(h))))
	}
	mux.Handle("POST /api/v1/orchestrate", api(s.handleOrchestrate))
	mux.Handle("POST /api/v1/orchestrate/{session_id}/cancel", api(s.handleCancel))
	mux.Handle("GET /api/v1/orchestrate/{session_id}/stream", api(s.handleStream))
	mux.Handle("POST /api/v1/classify", api(s.handleClassify))
	mux.Handle("POST /api/v1/memory", api(s.handleMemoryStore))
	mux.Handle("GET /api/v1/memory/search", api(s.handleMemorySearch))
	mux.Handle("GET /api/v1/memory/{key}", api(s.handleMemoryGet))
	mux.Handle("GET /api/v1/machines", api(s.handleMachinesGet))
	mux.Handle("PUT /api/v1/machines", api(s.handleMachinesPut))
	mux.Handle("GET /api/v1/events/ws", api(s.handleEventsWS))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// statusFor maps taxonomy codes to HTTP statuses. Anything unmapped is a
// plain internal error.
func statusFor(err error) int {
	switch oserr.CodeOf(err) {
	case oserr.CodeSignalFiltered:
		return http.StatusUnprocessableEntity
	case oserr.CodeProviderUnavailable:
		return http.StatusBadGateway
	case oserr.CodeContextOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Best effort: the client may already be gone.
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
