package quotaguard

import (
	"context"
	"fmt"
	"time"
)

// WindowKind is a fixed counting interval.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowDay    WindowKind = "day"
	WindowMonth  WindowKind = "month"
)

// Anchor returns the start of the window containing now, in UTC.
func (k WindowKind) Anchor(now time.Time) time.Time {
	now = now.UTC()
	switch k {
	case WindowMinute:
		return now.Truncate(time.Minute)
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// ResetAt returns the start of the next window after now.
func (k WindowKind) ResetAt(now time.Time) time.Time {
	a := k.Anchor(now)
	switch k {
	case WindowMinute:
		return a.Add(time.Minute)
	case WindowDay:
		return a.AddDate(0, 0, 1)
	case WindowMonth:
		return a.AddDate(0, 1, 0)
	default:
		return a
	}
}

// TTL is how long a stored counter outlives its window: twice the window
// length, so stale counters clean themselves up.
func (k WindowKind) TTL(now time.Time) time.Duration {
	return 2 * k.ResetAt(now).Sub(k.Anchor(now))
}

// Valid reports whether k is a known kind.
func (k WindowKind) Valid() bool {
	switch k {
	case WindowMinute, WindowDay, WindowMonth:
		return true
	}
	return false
}

// WindowLimit bounds one window.
type WindowLimit struct {
	Kind  WindowKind
	Limit int64
}

// WindowCheck is the state of one window after an admission attempt.
type WindowCheck struct {
	Kind      WindowKind `json:"kind"`
	Granted   bool       `json:"granted"`
	Count     int64      `json:"count"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	Anchor    time.Time  `json:"anchor"`
	ResetAt   time.Time  `json:"reset_at"`
}

// WindowKey scopes a set of counters.
type WindowKey struct {
	Identity Identity
	Scope    string // model id, or feature when no model is given
}

func (k WindowKey) String() string {
	return k.Identity.Key() + ":" + k.Scope
}

// WindowStore is the fast atomic counter store.
type WindowStore interface {
	// Admit checks every window and, only if all have room, increments all
	// of them, as one atomic unit. A counter whose stored anchor differs
	// from the canonical anchor for now counts as zero and adopts the new
	// anchor on write. Denied admissions mutate nothing.
	Admit(ctx context.Context, key WindowKey, limits []WindowLimit, now time.Time) ([]WindowCheck, error)

	// Release undoes a granted admission for windows whose anchor has not
	// moved since. Counts never go below zero.
	Release(ctx context.Context, key WindowKey, checks []WindowCheck) error

	// Peek returns current counts without mutating anything.
	Peek(ctx context.Context, key WindowKey, kinds []WindowKind, now time.Time) ([]WindowCheck, error)
}

// WindowResult aggregates the checks of one admission.
type WindowResult struct {
	Granted   bool          `json:"granted"`
	Remaining int64         `json:"remaining"`
	ResetAt   time.Time     `json:"reset_at"`
	Windows   []WindowCheck `json:"windows"`
	// FailedOpen is set when the store failed and the policy granted.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// RateTracker enforces fixed-window counters on top of a WindowStore.
type RateTracker struct {
	store  WindowStore
	policy FailurePolicy
	now    func() time.Time
}

// RateTrackerOption configures a RateTracker.
type RateTrackerOption func(*RateTracker)

// WithRatePolicy sets the behavior on store failure (default FailClosed).
func WithRatePolicy(p FailurePolicy) RateTrackerOption {
	return func(t *RateTracker) { t.policy = p }
}

// WithRateClock overrides time.Now.
func WithRateClock(now func() time.Time) RateTrackerOption {
	return func(t *RateTracker) { t.now = now }
}

// NewRateTracker creates a RateTracker.
func NewRateTracker(store WindowStore, opts ...RateTrackerOption) *RateTracker {
	t := &RateTracker{store: store, policy: FailClosed, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the configured failure policy.
func (t *RateTracker) Policy() FailurePolicy { return t.policy }

// CheckAndIncrement admits one request against a single window.
func (t *RateTracker) CheckAndIncrement(ctx context.Context, id Identity, modelID string, kind WindowKind, limit int64) (WindowResult, error) {
	return t.Admit(ctx, WindowKey{Identity: id, Scope: modelID}, []WindowLimit{{Kind: kind, Limit: limit}})
}

// Admit admits one request against every given window or none.
// On store failure it returns the wrapped error together with a result
// shaped by the failure policy: granted and FailedOpen under FailOpen,
// denied under FailClosed.
func (t *RateTracker) Admit(ctx context.Context, key WindowKey, limits []WindowLimit) (WindowResult, error) {
	for _, l := range limits {
		if !l.Kind.Valid() {
			return WindowResult{}, fmt.Errorf("quotaguard: invalid window kind %q", l.Kind)
		}
		if l.Limit < 0 {
			return WindowResult{}, fmt.Errorf("quotaguard: negative limit for window %s", l.Kind)
		}
	}
	if len(limits) == 0 {
		return WindowResult{Granted: true}, nil
	}

	now := t.now()
	checks, err := t.store.Admit(ctx, key, limits, now)
	if err != nil {
		err = dependencyErr(DepWindows, "admit", err)
		if t.policy == FailOpen {
			return WindowResult{Granted: true, FailedOpen: true}, err
		}
		return WindowResult{Granted: false}, err
	}
	return summarize(checks), nil
}

// Release undoes a granted admission.
func (t *RateTracker) Release(ctx context.Context, key WindowKey, res WindowResult) error {
	if !res.Granted || res.FailedOpen || len(res.Windows) == 0 {
		return nil
	}
	if err := t.store.Release(ctx, key, res.Windows); err != nil {
		return dependencyErr(DepWindows, "release", err)
	}
	return nil
}

// Preview returns the current counters for the given windows.
func (t *RateTracker) Preview(ctx context.Context, key WindowKey, limits []WindowLimit) (WindowResult, error) {
	kinds := make([]WindowKind, len(limits))
	for i, l := range limits {
		kinds[i] = l.Kind
	}
	checks, err := t.store.Peek(ctx, key, kinds, t.now())
	if err != nil {
		return WindowResult{}, dependencyErr(DepWindows, "peek", err)
	}
	for i := range checks {
		checks[i].Limit = limits[i].Limit
		checks[i].Remaining = max(limits[i].Limit-checks[i].Count, 0)
		checks[i].Granted = checks[i].Count < limits[i].Limit
	}
	return summarize(checks), nil
}

// summarize folds per-window checks: granted only if every window granted;
// Remaining is the minimum; ResetAt is the latest reset among denying
// windows, or the reset of the tightest window when granted.
func summarize(checks []WindowCheck) WindowResult {
	res := WindowResult{Granted: true, Windows: checks, Remaining: -1}
	for _, c := range checks {
		if !c.Granted {
			if res.Granted {
				res.Granted = false
				res.ResetAt = c.ResetAt
			} else if c.ResetAt.After(res.ResetAt) {
				res.ResetAt = c.ResetAt
			}
		}
		if res.Remaining < 0 || c.Remaining < res.Remaining {
			res.Remaining = c.Remaining
			if res.Granted {
				res.ResetAt = c.ResetAt
			}
		}
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

// NewWindowCheck fills a check from a post-admission count. Store
// implementations use it so every backend reports identically.
func NewWindowCheck(kind WindowKind, limit, count int64, granted bool, now time.Time) WindowCheck {
	return WindowCheck{
		Kind:      kind,
		Granted:   granted,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		Anchor:    kind.Anchor(now),
		ResetAt:   kind.ResetAt(now),
	}
}
