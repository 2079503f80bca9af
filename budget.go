package quotaguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ineyio/quotaguard/cache"
)

// BudgetLevel is the coarse state of a budget.
type BudgetLevel string

const (
	BudgetOK       BudgetLevel = "ok"
	BudgetWarning  BudgetLevel = "warning"
	BudgetExceeded BudgetLevel = "exceeded"
)

// BudgetMetric selects what a budget counts.
type BudgetMetric string

const (
	MetricRequests   BudgetMetric = "requests"
	MetricCostMicros BudgetMetric = "cost_micros"
)

// BudgetPolicy is the global ceiling for one pooled provider credential.
type BudgetPolicy struct {
	Provider string       `yaml:"provider"`
	Limit    int64        `yaml:"limit"`
	Metric   BudgetMetric `yaml:"metric"`
	// Period is QuotaDaily or QuotaMonthly (the billing period).
	Period QuotaWindow `yaml:"period"`
	// WarningRatio is the fraction of Limit at which status becomes warning.
	WarningRatio float64 `yaml:"warning_ratio"`
}

// Validate checks the policy.
func (p BudgetPolicy) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}
	if p.Metric != "" && p.Metric != MetricRequests && p.Metric != MetricCostMicros {
		return fmt.Errorf("invalid metric %q", p.Metric)
	}
	if p.Period != "" && !p.Period.Valid() {
		return fmt.Errorf("invalid period %q", p.Period)
	}
	if p.WarningRatio < 0 || p.WarningRatio >= 1 {
		return fmt.Errorf("warning_ratio must be in [0, 1)")
	}
	return nil
}

func (p BudgetPolicy) withDefaults() BudgetPolicy {
	if p.Metric == "" {
		p.Metric = MetricRequests
	}
	if p.Period == "" {
		p.Period = QuotaMonthly
	}
	if p.WarningRatio == 0 {
		p.WarningRatio = 0.8
	}
	return p
}

// BudgetStatus is the derived state of a budget. It is never persisted.
type BudgetStatus struct {
	Provider      string       `json:"provider"`
	Total         int64        `json:"total"`
	Limit         int64        `json:"limit"`
	Metric        BudgetMetric `json:"metric,omitempty"`
	Status        BudgetLevel  `json:"status"`
	ShouldDisable bool         `json:"should_disable"`
	PeriodStart   time.Time    `json:"period_start"`
	LastChecked   time.Time    `json:"last_checked"`
}

// BudgetVerdict is the answer of ShouldDisable.
type BudgetVerdict struct {
	ShouldDisable bool        `json:"should_disable"`
	Status        BudgetLevel `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	// Degraded is set when the status could not be computed.
	Degraded bool `json:"degraded,omitempty"`
}

// UsageAggregator computes authoritative provider totals.
type UsageAggregator interface {
	ProviderUsage(ctx context.Context, provider string, since time.Time) (UsageTotals, error)
}

// BudgetGovernor enforces global ceilings per provider. Status is cached per
// provider for a short TTL; aggregation failures always fail open.
type BudgetGovernor struct {
	usage    UsageAggregator
	policies map[string]BudgetPolicy
	cache    cache.Cache[string, BudgetStatus]
	logger   *slog.Logger
	now      func() time.Time
}

// DefaultBudgetCacheTTL bounds staleness of budget status.
const DefaultBudgetCacheTTL = 2 * time.Minute

// BudgetOption configures a BudgetGovernor.
type BudgetOption func(*BudgetGovernor)

// WithBudgetCache replaces the default TTL cache.
func WithBudgetCache(c cache.Cache[string, BudgetStatus]) BudgetOption {
	return func(g *BudgetGovernor) { g.cache = c }
}

// WithBudgetLogger sets the logger.
func WithBudgetLogger(l *slog.Logger) BudgetOption {
	return func(g *BudgetGovernor) { g.logger = l }
}

// WithBudgetClock overrides time.Now.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(g *BudgetGovernor) { g.now = now }
}

// NewBudgetGovernor creates a governor for the given policies.
func NewBudgetGovernor(usage UsageAggregator, policies []BudgetPolicy, opts ...BudgetOption) *BudgetGovernor {
	g := &BudgetGovernor{
		usage:    usage,
		policies: make(map[string]BudgetPolicy, len(policies)),
		now:      time.Now,
	}
	for _, p := range policies {
		g.policies[p.Provider] = p.withDefaults()
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		g.cache = cache.New[string, BudgetStatus](DefaultBudgetCacheTTL)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "budget")
	return g
}

// Policy returns the policy for a provider.
func (g *BudgetGovernor) Policy(provider string) (BudgetPolicy, bool) {
	p, ok := g.policies[provider]
	return p, ok
}

// ShouldDisable reports whether pooled access to provider must be cut off.
func (g *BudgetGovernor) ShouldDisable(ctx context.Context, provider string) BudgetVerdict {
	if _, ok := g.policies[provider]; !ok {
		return BudgetVerdict{Status: BudgetOK}
	}

	st, err := g.cache.Load(provider, func() (BudgetStatus, error) {
		return g.compute(ctx, provider)
	})
	if err != nil {
		g.logger.Warn("budget aggregation failed, failing open",
			"provider", provider,
			"error", err,
		)
		return BudgetVerdict{Status: BudgetOK, Reason: "budget status unavailable", Degraded: true}
	}

	v := BudgetVerdict{ShouldDisable: st.ShouldDisable, Status: st.Status}
	if st.ShouldDisable {
		v.Reason = fmt.Sprintf("%s budget exhausted: %d/%d %s", provider, st.Total, st.Limit, st.Metric)
	}
	return v
}

// RefreshCache drops every cached status.
func (g *BudgetGovernor) RefreshCache() {
	g.cache.Purge()
}

// CurrentStatus recomputes the status without the cache (dashboards).
func (g *BudgetGovernor) CurrentStatus(ctx context.Context, provider string) (BudgetStatus, error) {
	if _, ok := g.policies[provider]; !ok {
		return BudgetStatus{Provider: provider, Status: BudgetOK, LastChecked: g.now().UTC()}, nil
	}
	st, err := g.compute(ctx, provider)
	if err != nil {
		return BudgetStatus{}, dependencyErr(DepBudget, "status", err)
	}
	return st, nil
}

// Providers returns the providers with a configured budget.
func (g *BudgetGovernor) Providers() []string {
	out := make([]string, 0, len(g.policies))
	for p := range g.policies {
		out = append(out, p)
	}
	return out
}

func (g *BudgetGovernor) compute(ctx context.Context, provider string) (BudgetStatus, error) {
	p := g.policies[provider]
	now := g.now().UTC()
	start := p.Period.WindowKind().Anchor(now)

	totals, err := g.usage.ProviderUsage(ctx, provider, start)
	if err != nil {
		return BudgetStatus{}, err
	}

	total := totals.Requests
	if p.Metric == MetricCostMicros {
		total = totals.CostMicros
	}

	st := BudgetStatus{
		Provider:    provider,
		Total:       total,
		Limit:       p.Limit,
		Metric:      p.Metric,
		Status:      classifyBudget(total, p.Limit, p.WarningRatio),
		PeriodStart: start,
		LastChecked: now,
	}
	st.ShouldDisable = st.Status == BudgetExceeded
	return st, nil
}

func classifyBudget(total, limit int64, warningRatio float64) BudgetLevel {
	switch {
	case total >= limit:
		return BudgetExceeded
	case float64(total) >= float64(limit)*warningRatio:
		return BudgetWarning
	default:
		return BudgetOK
	}
}
