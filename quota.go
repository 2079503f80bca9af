package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ineyio/quotaguard/cache"
)

// QuotaWindow is the period a QuotaConfig limit applies to.
type QuotaWindow string

const (
	QuotaDaily   QuotaWindow = "daily"
	QuotaMonthly QuotaWindow = "monthly"
)

// WindowKind maps the quota period onto the rate tracker's windows.
func (w QuotaWindow) WindowKind() WindowKind {
	if w == QuotaMonthly {
		return WindowMonth
	}
	return WindowDay
}

// Valid reports whether w is a known window.
func (w QuotaWindow) Valid() bool {
	return w == QuotaDaily || w == QuotaMonthly
}

// QuotaConfig is the administrator-defined allowance for a feature on a plan.
type QuotaConfig struct {
	Feature   string      `json:"feature" yaml:"feature"`
	Plan      string      `json:"plan" yaml:"plan"`
	Limit     int64       `json:"limit" yaml:"limit"`
	Window    QuotaWindow `json:"window" yaml:"window"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"-"`
}

// Key returns the (feature, plan) key.
func (q QuotaConfig) Key() QuotaKey { return QuotaKey{Feature: q.Feature, Plan: q.Plan} }

// Validate checks field ranges.
func (q QuotaConfig) Validate() error {
	if q.Feature == "" || q.Plan == "" {
		return fmt.Errorf("%w: feature and plan are required", ErrInvalidQuota)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0", ErrInvalidQuota)
	}
	if !q.Window.Valid() {
		return fmt.Errorf("%w: invalid window %q", ErrInvalidQuota, q.Window)
	}
	return nil
}

// QuotaKey identifies a QuotaConfig.
type QuotaKey struct {
	Feature string
	Plan    string
}

// QuotaPatch is a partial update. Nil fields are left unchanged.
type QuotaPatch struct {
	Limit  *int64       `json:"limit,omitempty"`
	Window *QuotaWindow `json:"window,omitempty"`
}

// Apply returns q with the patch applied.
func (p QuotaPatch) Apply(q QuotaConfig) QuotaConfig {
	if p.Limit != nil {
		q.Limit = *p.Limit
	}
	if p.Window != nil {
		q.Window = *p.Window
	}
	return q
}

// QuotaStore is the authoritative store for quota configs.
type QuotaStore interface {
	// GetQuota returns ErrQuotaNotConfigured when no row exists.
	GetQuota(ctx context.Context, feature, plan string) (QuotaConfig, error)

	// CreateQuota returns ErrQuotaExists when the key is taken.
	CreateQuota(ctx context.Context, q QuotaConfig) error

	// UpdateQuota applies patch and returns the rows before and after.
	UpdateQuota(ctx context.Context, feature, plan string, patch QuotaPatch) (before, after QuotaConfig, err error)

	// DeleteQuota returns the deleted row.
	DeleteQuota(ctx context.Context, feature, plan string) (QuotaConfig, error)

	ListQuotas(ctx context.Context) ([]QuotaConfig, error)
}

// QuotaRegistry serves quota configs through a TTL cache with write-through
// invalidation. Missing configs are never defaulted and never cached.
type QuotaRegistry struct {
	store QuotaStore
	cache cache.Cache[QuotaKey, QuotaConfig]
}

// DefaultQuotaCacheTTL bounds staleness of quota reads.
const DefaultQuotaCacheTTL = 5 * time.Minute

// NewQuotaRegistry creates a registry. A nil cache gets a TTL cache with
// DefaultQuotaCacheTTL.
func NewQuotaRegistry(store QuotaStore, c cache.Cache[QuotaKey, QuotaConfig]) *QuotaRegistry {
	if c == nil {
		c = cache.New[QuotaKey, QuotaConfig](DefaultQuotaCacheTTL)
	}
	return &QuotaRegistry{store: store, cache: c}
}

// Get returns the config for (feature, plan) or ErrQuotaNotConfigured.
func (r *QuotaRegistry) Get(ctx context.Context, feature, plan string) (QuotaConfig, error) {
	q, err := r.cache.Load(QuotaKey{Feature: feature, Plan: plan}, func() (QuotaConfig, error) {
		return r.store.GetQuota(ctx, feature, plan)
	})
	if err != nil {
		if errors.Is(err, ErrQuotaNotConfigured) {
			return QuotaConfig{}, err
		}
		return QuotaConfig{}, dependencyErr(DepQuota, "get", err)
	}
	return q, nil
}

// Create writes a new config and invalidates its cache entry.
func (r *QuotaRegistry) Create(ctx context.Context, q QuotaConfig) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := r.store.CreateQuota(ctx, q); err != nil {
		return err
	}
	r.cache.Invalidate(q.Key())
	return nil
}

// Update patches a config and invalidates its cache entry.
func (r *QuotaRegistry) Update(ctx context.Context, feature, plan string, patch QuotaPatch) (before, after QuotaConfig, err error) {
	if patch.Limit != nil && *patch.Limit < 0 {
		return QuotaConfig{}, QuotaConfig{}, fmt.Errorf("%w: limit must be >= 0", ErrInvalidQuota)
	}
	if patch.Window != nil && !patch.Window.Valid() {
		return QuotaConfig{}, QuotaConfig{}, fmt.Errorf("%w: invalid window %q", ErrInvalidQuota, *patch.Window)
	}
	before, after, err = r.store.UpdateQuota(ctx, feature, plan, patch)
	if err != nil {
		return QuotaConfig{}, QuotaConfig{}, err
	}
	r.cache.Invalidate(QuotaKey{Feature: feature, Plan: plan})
	return before, after, nil
}

// Delete removes a config and invalidates its cache entry.
func (r *QuotaRegistry) Delete(ctx context.Context, feature, plan string) (QuotaConfig, error) {
	q, err := r.store.DeleteQuota(ctx, feature, plan)
	if err != nil {
		return QuotaConfig{}, err
	}
	r.cache.Invalidate(QuotaKey{Feature: feature, Plan: plan})
	return q, nil
}

// List reads every config from the store, bypassing the cache.
func (r *QuotaRegistry) List(ctx context.Context) ([]QuotaConfig, error) {
	return r.store.ListQuotas(ctx)
}

// RefreshAll drops every cached entry.
func (r *QuotaRegistry) RefreshAll() {
	r.cache.Purge()
}

// CacheStats reports cache size and hit rate.
func (r *QuotaRegistry) CacheStats() cache.Stats {
	return r.cache.Stats()
}
