package quotaguard

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrUnauthenticated       = errors.New("quotaguard: unauthenticated")
	ErrNotEntitled           = errors.New("quotaguard: no quota configured for plan")
	ErrPlanForbidden         = errors.New("quotaguard: feature forbidden for plan")
	ErrRateLimited           = errors.New("quotaguard: rate limited")
	ErrInsufficientCredits   = errors.New("quotaguard: insufficient credits")
	ErrBudgetExceeded        = errors.New("quotaguard: budget exceeded")
	ErrDependencyUnavailable = errors.New("quotaguard: dependency unavailable")

	ErrQuotaNotConfigured = errors.New("quotaguard: quota not configured")
	ErrQuotaExists        = errors.New("quotaguard: quota already exists")
	ErrInvalidAmount      = errors.New("quotaguard: amount must be positive")
	ErrInvalidQuota       = errors.New("quotaguard: invalid quota config")
)

// DenialError carries the structured data a caller needs to explain a denial.
type DenialError struct {
	Reason    Reason
	ResetAt   time.Time
	Remaining int64
	Balance   int64
	Err       error
}

func (e *DenialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("quotaguard: denied reason=%s", e.Reason)
	}
	return fmt.Sprintf("quotaguard: denied reason=%s: %v", e.Reason, e.Err)
}

func (e *DenialError) Unwrap() []error {
	var errs []error
	if s := e.Reason.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// DependencyError wraps a failure of a backing store.
type DependencyError struct {
	Dependency string
	Op         string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("quotaguard: dependency=%s op=%s: %v", e.Dependency, e.Op, e.Err)
}

// Unwrap exposes both ErrDependencyUnavailable and the underlying cause.
func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependencyUnavailable, e.Err}
}

func dependencyErr(dep, op string, err error) error {
	var de *DependencyError
	if errors.As(err, &de) {
		return err
	}
	return &DependencyError{Dependency: dep, Op: op, Err: err}
}

// IsDenial returns true if err is a user-facing denial rather than a fault.
func IsDenial(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrNotEntitled) ||
		errors.Is(err, ErrPlanForbidden) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrBudgetExceeded)
}

// IsDependency returns true if err was caused by an unreachable store.
func IsDependency(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable)
}
