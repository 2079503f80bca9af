package quotaguard

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = 30 * time.Second
	defaultUnhealthyPeriod  = 10 * time.Second
)

// Dependency names used for health tracking and metrics.
const (
	DepBudget      = "budget"
	DepQuota       = "quota"
	DepWindows     = "windows"
	DepCredits     = "credits"
	DepUsage       = "usage"
	DepPlans       = "plans"
	DepCredentials = "credentials"
)

// HealthTracker is a per-dependency circuit breaker. While a dependency is
// unhealthy, calls to it are skipped and treated as dependency errors, so a
// failing store costs no latency until the half-open probe. Callers that are
// allowed through must record the outcome.
type HealthTracker struct {
	mu        sync.Mutex
	deps      map[string]*depHealth
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

type depHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	probing     bool
}

// HealthState describes the health of a dependency.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the HealthTracker. Zero values use defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(cfg BreakerConfig) *HealthTracker {
	h := &HealthTracker{
		deps:      make(map[string]*depHealth),
		threshold: cfg.FailureThreshold,
		window:    cfg.FailureWindow,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
	if h.threshold <= 0 {
		h.threshold = defaultFailureThreshold
	}
	if h.window <= 0 {
		h.window = defaultFailureWindow
	}
	if h.cooldown <= 0 {
		h.cooldown = defaultUnhealthyPeriod
	}
	return h
}

// State returns the current state for a dependency.
func (h *HealthTracker) State(dep string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked(dep)
}

func (h *HealthTracker) stateLocked(dep string) HealthState {
	d, ok := h.deps[dep]
	if !ok {
		return HealthHealthy
	}
	if d.state == HealthUnhealthy && h.now().Sub(d.unhealthyAt) >= h.cooldown {
		d.state = HealthHalfOpen
		d.probing = false
	}
	return d.state
}

// Allow reports whether a call to dep should be attempted. Once the cooldown
// has elapsed, exactly one caller gets through as the probe; the others are
// refused until the probe's outcome is recorded.
func (h *HealthTracker) Allow(dep string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.stateLocked(dep) {
	case HealthUnhealthy:
		return false
	case HealthHalfOpen:
		d := h.deps[dep]
		if d.probing {
			return false
		}
		d.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(dep string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.getOrCreate(dep)
	d.state = HealthHealthy
	d.failures = d.failures[:0]
	d.probing = false
}

// RecordFailure records a failed call.
func (h *HealthTracker) RecordFailure(dep string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.getOrCreate(dep)
	now := h.now()

	// A failed half-open probe reopens the breaker immediately.
	if d.state == HealthHalfOpen {
		d.state = HealthUnhealthy
		d.unhealthyAt = now
		d.probing = false
		return
	}
	if d.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-h.window)
	valid := d.failures[:0]
	for _, t := range d.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	d.failures = append(valid, now)

	if len(d.failures) >= h.threshold {
		d.state = HealthUnhealthy
		d.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(dep string) *depHealth {
	d, ok := h.deps[dep]
	if !ok {
		d = &depHealth{state: HealthHealthy}
		h.deps[dep] = d
	}
	return d
}
