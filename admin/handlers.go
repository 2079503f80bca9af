package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ineyio/quotaguard"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listQuotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := s.engine.Registry().List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if quotas == nil {
		quotas = []quotaguard.QuotaConfig{}
	}
	writeJSON(w, http.StatusOK, quotas)
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Registry().Get(r.Context(), chi.URLParam(r, "feature"), chi.URLParam(r, "plan"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) createQuota(w http.ResponseWriter, r *http.Request) {
	var q quotaguard.QuotaConfig
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.engine.Registry().Create(r.Context(), q); err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("quota created",
		"actor", actorFrom(r),
		"feature", q.Feature,
		"plan", q.Plan,
		"after_limit", q.Limit,
		"window", q.Window,
	)
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) updateQuota(w http.ResponseWriter, r *http.Request) {
	feature, plan := chi.URLParam(r, "feature"), chi.URLParam(r, "plan")

	var patch quotaguard.QuotaPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	before, after, err := s.engine.Registry().Update(r.Context(), feature, plan, patch)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("quota updated",
		"actor", actorFrom(r),
		"feature", feature,
		"plan", plan,
		"before_limit", before.Limit,
		"after_limit", after.Limit,
		"before_window", before.Window,
		"after_window", after.Window,
	)
	writeJSON(w, http.StatusOK, after)
}

func (s *Server) deleteQuota(w http.ResponseWriter, r *http.Request) {
	feature, plan := chi.URLParam(r, "feature"), chi.URLParam(r, "plan")

	q, err := s.engine.Registry().Delete(r.Context(), feature, plan)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("quota deleted",
		"actor", actorFrom(r),
		"feature", feature,
		"plan", plan,
		"before_limit", q.Limit,
	)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) refreshQuotas(w http.ResponseWriter, r *http.Request) {
	s.engine.Registry().RefreshAll()
	s.logger.Info("quota cache refreshed", "actor", actorFrom(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().CacheStats())
}

type sourceBalance struct {
	Source  string `json:"source"`
	Balance int64  `json:"balance"`
}

type creditsResponse struct {
	Identity quotaguard.Identity `json:"identity"`
	Balance  int64               `json:"balance"`
	Sources  []sourceBalance     `json:"sources,omitempty"`
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	credits := s.engine.Credits()
	if credits == nil {
		writeError(w, http.StatusNotFound, "not_found", "credits are not configured")
		return
	}

	resp := creditsResponse{Identity: id}
	sources := []quotaguard.CreditSource{credits}
	if chain, ok := credits.(*quotaguard.CreditChain); ok {
		sources = chain.Sources()
	}
	for _, src := range sources {
		b, err := src.Balance(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Balance += b
		resp.Sources = append(resp.Sources, sourceBalance{Source: src.Name(), Balance: b})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	ledger, ok := s.engine.Credits().(quotaguard.CreditLedger)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no credit ledger configured")
		return
	}

	var body struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.Reason == "" {
		body.Reason = "admin_grant"
	}

	balance, err := ledger.Credit(r.Context(), id, body.Amount, body.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("credits granted",
		"actor", actorFrom(r),
		"identity", id.Key(),
		"amount", body.Amount,
		"reason", body.Reason,
		"balance", balance,
	)
	writeJSON(w, http.StatusOK, creditsResponse{Identity: id, Balance: balance})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	if s.transactions == nil {
		writeError(w, http.StatusNotFound, "not_found", "credit audit trail not available")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := s.transactions.Transactions(r.Context(), id, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if txs == nil {
		txs = []quotaguard.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity quotaguard.Identity `json:"identity"`
		ModelID  string              `json:"model_id"`
		Provider string              `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if body.ModelID == "" || body.Provider == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id and provider are required")
		return
	}

	rec, err := s.engine.RecordUsage(r.Context(), body.Identity, body.ModelID, body.Provider)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) identityUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	since := time.Now().UTC().Truncate(24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	tot, err := s.engine.Usage().IdentityUsage(r.Context(), id, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "since": since, "usage": tot})
}

func (s *Server) previewRate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	feature := q.Get("feature")
	if feature == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "feature is required")
		return
	}

	res, err := s.engine.Preview(r.Context(), id, feature, q.Get("model"), q.Get("plan"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) budgetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Governor().CurrentStatus(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) refreshBudget(w http.ResponseWriter, r *http.Request) {
	s.engine.Governor().RefreshCache()
	s.logger.Info("budget cache refreshed", "actor", actorFrom(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func identityParam(w http.ResponseWriter, r *http.Request) (quotaguard.Identity, bool) {
	kind, err := quotaguard.ParseIdentityKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return quotaguard.Identity{}, false
	}
	id := quotaguard.Identity{Kind: kind, Value: chi.URLParam(r, "value")}
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return quotaguard.Identity{}, false
	}
	return id, true
}

// fail maps a domain or store error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quotaguard.ErrQuotaNotConfigured):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, quotaguard.ErrQuotaExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, quotaguard.ErrInvalidQuota),
		errors.Is(err, quotaguard.ErrInvalidAmount),
		errors.Is(err, quotaguard.ErrUnauthenticated):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case quotaguard.IsDependency(err):
		s.logger.Warn("admin request hit an unavailable dependency", "error", err)
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", err.Error())
	default:
		s.logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
