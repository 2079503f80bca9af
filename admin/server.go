// Package admin exposes the operator HTTP surface of a quotaguard engine:
// quota CRUD, credit grants, usage recording, rate window previews and
// budget status.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/quotaguard"
)

// DefaultActor is recorded when a request carries no X-Admin-Actor header.
const DefaultActor = "admin"

// Server serves the admin API.
type Server struct {
	engine       *quotaguard.Engine
	token        string
	transactions quotaguard.TransactionLister
	metrics      http.Handler
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTransactions exposes the credit audit trail.
func WithTransactions(l quotaguard.TransactionLister) Option {
	return func(s *Server) { s.transactions = l }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an admin server. An empty token rejects every admin call.
func New(engine *quotaguard.Engine, token string, opts ...Option) *Server {
	s := &Server{engine: engine, token: token}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "admin")
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/quotas", s.listQuotas)
		r.Post("/quotas", s.createQuota)
		r.Post("/quotas/refresh", s.refreshQuotas)
		r.Get("/quotas/{feature}/{plan}", s.getQuota)
		r.Patch("/quotas/{feature}/{plan}", s.updateQuota)
		r.Delete("/quotas/{feature}/{plan}", s.deleteQuota)
		r.Get("/cache/stats", s.cacheStats)

		r.Get("/credits/{kind}/{value}", s.getCredits)
		r.Post("/credits/{kind}/{value}", s.grantCredits)
		r.Get("/credits/{kind}/{value}/transactions", s.listTransactions)

		r.Post("/usage", s.recordUsage)
		r.Get("/usage/{kind}/{value}", s.identityUsage)
		r.Get("/ratelimit/{kind}/{value}", s.previewRate)

		r.Get("/budget/{provider}", s.budgetStatus)
		r.Post("/budget/refresh", s.refreshBudget)
	})
	return r
}

type actorKey struct{}

// auth checks the bearer token and resolves the acting operator.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusServiceUnavailable, "not_configured", "admin token not configured")
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", "invalid admin token")
			return
		}

		actor := r.Header.Get("X-Admin-Actor")
		if actor == "" {
			actor = DefaultActor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) string {
	if a, ok := r.Context().Value(actorKey{}).(string); ok {
		return a
	}
	return DefaultActor
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": msg})
}
