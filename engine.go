package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ineyio/quotaguard/cache"
)

// PlanLookup resolves the subscription plan of a user. Owned by billing.
type PlanLookup interface {
	GetPlan(ctx context.Context, userID string) (string, error)
}

// CredentialChecker reports whether a user stored their own provider key.
type CredentialChecker interface {
	HasOwnCredential(ctx context.Context, userID, provider string) (bool, error)
}

// AccessRequest is the input of EvaluateAccess.
type AccessRequest struct {
	Identity Identity
	Feature  string
	ModelID  string
	// Provider defaults to the feature's configured provider.
	Provider string
	// Plan is resolved through PlanLookup when empty.
	Plan string
	// BYOK is set when the caller supplied their own upstream credential.
	BYOK bool
	// CostMicros is recorded on the usage record (budget cost metric).
	CostMicros int64
}

var errBreakerOpen = errors.New("circuit open")

// Engine is the access decision orchestrator. It holds no per-identity
// state: correctness relies on the atomic operations of its stores, so any
// number of engines may serve the same identities concurrently.
type Engine struct {
	cfg      Config
	policies Policies

	governor *BudgetGovernor
	registry *QuotaRegistry
	quotas   QuotaStore
	windows  WindowStore
	tracker  *RateTracker
	credits  CreditSource
	usage    UsageLog
	plans    PlanLookup
	creds    CredentialChecker

	health *HealthTracker
	meter  Meter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBudgetGovernor sets the budget governor. By default one is built from
// Config.Budgets over the usage log, cached for Config.BudgetCacheTTL.
func WithBudgetGovernor(g *BudgetGovernor) Option {
	return func(e *Engine) { e.governor = g }
}

// WithQuotaRegistry sets the quota registry. Either a registry or a quota
// store is required.
func WithQuotaRegistry(r *QuotaRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithQuotaStore builds the quota registry over s, cached for
// Config.QuotaCacheTTL. Ignored when WithQuotaRegistry is given.
func WithQuotaStore(s QuotaStore) Option {
	return func(e *Engine) { e.quotas = s }
}

// WithRateTracker sets the rate window tracker. Either a tracker or a
// window store is required.
func WithRateTracker(t *RateTracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithWindowStore builds the rate tracker over s with the rate policy of
// Config.Policies and the engine clock.
func WithWindowStore(s WindowStore) Option {
	return func(e *Engine) { e.windows = s }
}

// WithCredits sets the credit source, usually a *CreditChain.
func WithCredits(c CreditSource) Option {
	return func(e *Engine) { e.credits = c }
}

// WithUsageLog sets the usage log (required).
func WithUsageLog(u UsageLog) Option {
	return func(e *Engine) { e.usage = u }
}

// WithPlanLookup sets the plan oracle.
func WithPlanLookup(p PlanLookup) Option {
	return func(e *Engine) { e.plans = p }
}

// WithCredentialChecker sets the BYOK oracle.
func WithCredentialChecker(c CredentialChecker) Option {
	return func(e *Engine) { e.creds = c }
}

// WithHealthTracker sets the dependency circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(e *Engine) { e.health = h }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Defaults (budget governor from config,
// health tracker, no-op meter, slog.Default) are applied after options.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		policies: cfg.Policies.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil && e.quotas != nil {
		var c cache.Cache[QuotaKey, QuotaConfig]
		if cfg.QuotaCacheTTL > 0 {
			c = cache.New[QuotaKey, QuotaConfig](cfg.QuotaCacheTTL, cache.WithClock(e.now))
		}
		e.registry = NewQuotaRegistry(e.quotas, c)
	}
	if e.registry == nil {
		return nil, fmt.Errorf("quotaguard: a quota registry or quota store is required")
	}
	if e.tracker == nil && e.windows != nil {
		e.tracker = NewRateTracker(e.windows,
			WithRatePolicy(e.policies.Rate),
			WithRateClock(e.now),
		)
	}
	if e.tracker == nil {
		return nil, fmt.Errorf("quotaguard: a rate tracker or window store is required")
	}
	if e.usage == nil {
		return nil, fmt.Errorf("quotaguard: a usage log is required")
	}
	if e.credits == nil {
		for _, f := range cfg.Features {
			if f.CreditCost > 0 {
				return nil, fmt.Errorf("quotaguard: feature %q costs credits but no credit source is configured", f.Name)
			}
		}
	}
	if e.cfg.AnonymousPlan == "" {
		e.cfg.AnonymousPlan = "anonymous"
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.governor == nil {
		budgetOpts := []BudgetOption{WithBudgetLogger(e.logger), WithBudgetClock(e.now)}
		if cfg.BudgetCacheTTL > 0 {
			budgetOpts = append(budgetOpts, WithBudgetCache(
				cache.New[string, BudgetStatus](cfg.BudgetCacheTTL, cache.WithClock(e.now)),
			))
		}
		e.governor = NewBudgetGovernor(e.usage, cfg.Budgets, budgetOpts...)
	}
	if e.health == nil {
		e.health = NewHealthTracker(cfg.Breaker)
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	return e, nil
}

// Registry returns the quota registry.
func (e *Engine) Registry() *QuotaRegistry { return e.registry }

// Governor returns the budget governor.
func (e *Engine) Governor() *BudgetGovernor { return e.governor }

// Tracker returns the rate tracker.
func (e *Engine) Tracker() *RateTracker { return e.tracker }

// Usage returns the usage log.
func (e *Engine) Usage() UsageLog { return e.usage }

// Credits returns the credit source, or nil.
func (e *Engine) Credits() CreditSource { return e.credits }

// EvaluateAccess decides whether a request may proceed and records the
// usage of granted requests. The returned error is nil when granted and a
// *DenialError otherwise.
func (e *Engine) EvaluateAccess(ctx context.Context, req AccessRequest) (Decision, error) {
	start := e.now()
	d := e.evaluate(ctx, req)

	e.meter.OnDecision(DecisionEvent{
		Identity: req.Identity,
		Feature:  req.Feature,
		ModelID:  req.ModelID,
		Plan:     d.Plan,
		Granted:  d.Granted,
		Reason:   d.Reason,
		Gate:     d.Gate,
		BYOK:     d.BYOK,
		Degraded: d.Degraded,
		Duration: e.now().Sub(start),
	})
	if !d.Granted {
		e.logger.Debug("access denied",
			"identity", req.Identity.Key(),
			"feature", req.Feature,
			"plan", d.Plan,
			"reason", d.Reason,
		)
	}
	return d, d.Err()
}

func (e *Engine) evaluate(ctx context.Context, req AccessRequest) Decision {
	if err := req.Identity.Validate(); err != nil {
		return deny(GateClassify, ReasonUnauthenticated)
	}

	provider := req.Provider
	if provider == "" {
		provider = e.cfg.Feature(req.Feature).Provider
	}

	// 1. Classify.
	if e.isBYOK(ctx, req, provider) {
		rec, err := e.commit(ctx, req, provider, true)
		d := Decision{Granted: true, Gate: GateClassify, BYOK: true, Plan: req.Plan}
		if err == nil {
			d.RecordID = rec.ID
		}
		return d
	}

	plan, d, ok := e.resolvePlan(ctx, req)
	if !ok {
		return d
	}

	// 2. Global gate.
	var degraded []Gate
	var budgetLevel BudgetLevel
	if provider != "" {
		v := e.checkBudget(ctx, provider)
		if v.Degraded {
			degraded = append(degraded, GateBudget)
		}
		if v.ShouldDisable {
			d := deny(GateBudget, ReasonBudgetExceeded)
			d.Plan = plan
			d.BudgetStatus = v.Status
			return d
		}
		budgetLevel = v.Status
	}

	// 3. Plan policy.
	quota, err := e.lookupQuota(ctx, req.Feature, plan)
	quotaKnown := err == nil
	switch {
	case errors.Is(err, ErrQuotaNotConfigured):
		return withPlan(deny(GateQuota, ReasonNotEntitled), plan)
	case err != nil:
		if e.policies.Quota == FailClosed {
			return withPlan(deny(GateQuota, ReasonDependencyUnavailable), plan)
		}
		degraded = append(degraded, GateQuota)
	case quota.Limit == 0:
		return withPlan(deny(GateQuota, ReasonPlanForbidden), plan)
	}

	// 4. Temporal gate.
	key := WindowKey{Identity: req.Identity, Scope: req.ModelID}
	if key.Scope == "" {
		key.Scope = req.Feature
	}
	var admitted WindowResult
	var limits []WindowLimit
	if quotaKnown {
		limits = append(limits, WindowLimit{Kind: quota.Window.WindowKind(), Limit: quota.Limit})
	}
	// The minute window does not depend on the quota store.
	if m := e.cfg.MinuteLimits[plan]; m > 0 {
		limits = append(limits, WindowLimit{Kind: WindowMinute, Limit: m})
	}
	if len(limits) > 0 {
		admitted, err = e.admit(ctx, key, limits)
		if err != nil {
			if !admitted.Granted {
				return withPlan(deny(GateRate, ReasonDependencyUnavailable), plan)
			}
			degraded = append(degraded, GateRate)
		} else if !admitted.Granted {
			d := deny(GateRate, ReasonRateLimited)
			d.Plan = plan
			d.ResetAt = admitted.ResetAt
			d.Remaining = admitted.Remaining
			return d
		}
	}

	// Past this point the debit and the usage record must land together,
	// so caller cancellation no longer applies.
	cctx := context.WithoutCancel(ctx)

	// 5. Economic gate.
	var debit DebitResult
	if cost := e.cfg.Feature(req.Feature).CreditCost; cost > 0 {
		debit, err = e.debit(ContextWithPlan(cctx, plan), req.Identity, cost)
		switch {
		case err != nil && e.policies.Credit == FailClosed:
			e.release(cctx, key, admitted)
			return withPlan(deny(GateCredit, ReasonDependencyUnavailable), plan)
		case err != nil:
			degraded = append(degraded, GateCredit)
		case !debit.Granted:
			e.release(cctx, key, admitted)
			d := deny(GateCredit, ReasonInsufficientCredits)
			d.Plan = plan
			d.Balance = debit.NewBalance
			return d
		}
	}

	// 6. Commit.
	rec, _ := e.commit(cctx, req, provider, false)
	return Decision{
		Granted:      true,
		Gate:         GateCommit,
		Plan:         plan,
		ResetAt:      admitted.ResetAt,
		Remaining:    admitted.Remaining,
		Balance:      debit.NewBalance,
		CreditSource: debit.Source,
		BudgetStatus: budgetLevel,
		Degraded:     degraded,
		RecordID:     rec.ID,
	}
}

// RecordUsage appends a usage record outside the evaluation path.
func (e *Engine) RecordUsage(ctx context.Context, id Identity, modelID, provider string) (UsageRecord, error) {
	if err := id.Validate(); err != nil {
		return UsageRecord{}, err
	}
	return e.commit(ctx, AccessRequest{Identity: id, ModelID: modelID}, provider, false)
}

// Preview returns the current window counters for an identity without
// consuming capacity.
func (e *Engine) Preview(ctx context.Context, id Identity, feature, modelID, plan string) (WindowResult, error) {
	if plan == "" {
		var d Decision
		var ok bool
		plan, d, ok = e.resolvePlan(ctx, AccessRequest{Identity: id})
		if !ok {
			return WindowResult{}, d.Err()
		}
	}
	quota, err := e.registry.Get(ctx, feature, plan)
	if err != nil {
		return WindowResult{}, err
	}
	limits := []WindowLimit{{Kind: quota.Window.WindowKind(), Limit: quota.Limit}}
	if m := e.cfg.MinuteLimits[plan]; m > 0 {
		limits = append(limits, WindowLimit{Kind: WindowMinute, Limit: m})
	}
	scope := modelID
	if scope == "" {
		scope = feature
	}
	return e.tracker.Preview(ctx, WindowKey{Identity: id, Scope: scope}, limits)
}

func (e *Engine) isBYOK(ctx context.Context, req AccessRequest, provider string) bool {
	if req.BYOK {
		return true
	}
	if e.creds == nil || !req.Identity.IsUser() || provider == "" {
		return false
	}
	var has bool
	err := e.guard(ctx, DepCredentials, GateClassify, FailOpen, func(ctx context.Context) error {
		var err error
		has, err = e.creds.HasOwnCredential(ctx, req.Identity.Value, provider)
		return err
	})
	// Unknown credential state falls through to the metered path.
	return err == nil && has
}

func (e *Engine) resolvePlan(ctx context.Context, req AccessRequest) (string, Decision, bool) {
	if req.Plan != "" {
		return req.Plan, Decision{}, true
	}
	if !req.Identity.IsUser() || e.plans == nil {
		return e.cfg.AnonymousPlan, Decision{}, true
	}
	var plan string
	err := e.guard(ctx, DepPlans, GateQuota, e.policies.Quota, func(ctx context.Context) error {
		var err error
		plan, err = e.plans.GetPlan(ctx, req.Identity.Value)
		return err
	})
	if err != nil {
		if e.policies.Quota == FailClosed {
			return "", deny(GateQuota, ReasonDependencyUnavailable), false
		}
		return e.cfg.AnonymousPlan, Decision{}, true
	}
	return plan, Decision{}, true
}

func (e *Engine) checkBudget(ctx context.Context, provider string) BudgetVerdict {
	if !e.health.Allow(DepBudget) {
		e.reportDependency(DepBudget, GateBudget, e.policies.Budget, errBreakerOpen)
		return BudgetVerdict{Status: BudgetOK, Degraded: true}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	v := e.governor.ShouldDisable(ctx, provider)
	if v.Degraded {
		e.health.RecordFailure(DepBudget)
		e.reportDependency(DepBudget, GateBudget, e.policies.Budget, errors.New(v.Reason))
	} else {
		e.health.RecordSuccess(DepBudget)
	}
	return v
}

func (e *Engine) lookupQuota(ctx context.Context, feature, plan string) (QuotaConfig, error) {
	var q QuotaConfig
	err := e.guard(ctx, DepQuota, GateQuota, e.policies.Quota, func(ctx context.Context) error {
		var err error
		q, err = e.registry.Get(ctx, feature, plan)
		return err
	})
	return q, err
}

func (e *Engine) admit(ctx context.Context, key WindowKey, limits []WindowLimit) (WindowResult, error) {
	var res WindowResult
	err := e.guard(ctx, DepWindows, GateRate, e.tracker.Policy(), func(ctx context.Context) error {
		var err error
		res, err = e.tracker.Admit(ctx, key, limits)
		return err
	})
	if errors.Is(err, errBreakerOpen) {
		res = WindowResult{Granted: e.tracker.Policy() == FailOpen, FailedOpen: e.tracker.Policy() == FailOpen}
	}
	return res, err
}

func (e *Engine) release(ctx context.Context, key WindowKey, res WindowResult) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.tracker.Release(ctx, key, res); err != nil {
		e.logger.Warn("window release failed",
			"key", key.String(),
			"error", err,
		)
	}
}

func (e *Engine) debit(ctx context.Context, id Identity, amount int64) (DebitResult, error) {
	var res DebitResult
	err := e.guard(ctx, DepCredits, GateCredit, e.policies.Credit, func(ctx context.Context) error {
		var err error
		res, err = e.credits.Debit(ctx, id, amount)
		return err
	})
	return res, err
}

func (e *Engine) commit(ctx context.Context, req AccessRequest, provider string, byok bool) (UsageRecord, error) {
	rec := NewUsageRecord(req.Identity, req.Feature, req.ModelID, provider, byok, req.CostMicros, e.now())
	err := e.guard(ctx, DepUsage, GateCommit, FailOpen, func(ctx context.Context) error {
		return e.usage.Append(ctx, rec)
	})
	e.meter.OnUsage(UsageEvent{Record: rec, Error: err})
	if err != nil {
		e.logger.Error("usage record not written",
			"identity", req.Identity.Key(),
			"feature", req.Feature,
			"model", req.ModelID,
			"provider", provider,
			"byok", byok,
			"error", err,
		)
		return UsageRecord{}, err
	}
	return rec, nil
}

// guard runs fn behind the dependency's circuit breaker with the request
// timeout, and reports faults. Domain outcomes (not configured, denials)
// are not faults.
func (e *Engine) guard(ctx context.Context, dep string, gate Gate, policy FailurePolicy, fn func(context.Context) error) error {
	if !e.health.Allow(dep) {
		err := dependencyErr(dep, "call", errBreakerOpen)
		e.reportDependency(dep, gate, policy, err)
		return err
	}

	ctx, cancel := e.withDependencyTimeout(ctx, dep)
	defer cancel()

	err := fn(ctx)
	if err == nil || errors.Is(err, ErrQuotaNotConfigured) || IsDenial(err) {
		e.health.RecordSuccess(dep)
		return err
	}
	e.health.RecordFailure(dep)
	e.reportDependency(dep, gate, policy, err)
	return err
}

func (e *Engine) reportDependency(dep string, gate Gate, policy FailurePolicy, err error) {
	e.meter.OnDependencyError(DependencyEvent{Dependency: dep, Gate: gate, Policy: policy, Error: err})
	e.logger.Warn("dependency failure",
		"dependency", dep,
		"gate", gate,
		"policy", policy,
		"error", err,
	)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return boundContext(ctx, e.cfg.RequestTimeout)
}

// withDependencyTimeout bounds a call to dep. Debits and usage appends use
// the commit timeout.
func (e *Engine) withDependencyTimeout(ctx context.Context, dep string) (context.Context, context.CancelFunc) {
	if (dep == DepCredits || dep == DepUsage) && e.cfg.CommitTimeout > 0 {
		return boundContext(ctx, e.cfg.CommitTimeout)
	}
	return e.withTimeout(ctx)
}

func boundContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func deny(gate Gate, reason Reason) Decision {
	return Decision{Granted: false, Gate: gate, Reason: reason}
}

func withPlan(d Decision, plan string) Decision {
	d.Plan = plan
	return d
}
