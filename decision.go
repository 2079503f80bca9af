package quotaguard

import "time"

// Reason is the machine-readable code attached to a denial.
type Reason string

const (
	ReasonUnauthenticated       Reason = "unauthenticated"
	ReasonNotEntitled           Reason = "not_entitled"
	ReasonPlanForbidden         Reason = "plan_forbidden"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonInsufficientCredits   Reason = "insufficient_credits"
	ReasonBudgetExceeded        Reason = "budget_exceeded"
	ReasonDependencyUnavailable Reason = "dependency_unavailable"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonUnauthenticated:
		return ErrUnauthenticated
	case ReasonNotEntitled:
		return ErrNotEntitled
	case ReasonPlanForbidden:
		return ErrPlanForbidden
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonInsufficientCredits:
		return ErrInsufficientCredits
	case ReasonBudgetExceeded:
		return ErrBudgetExceeded
	case ReasonDependencyUnavailable:
		return ErrDependencyUnavailable
	default:
		return nil
	}
}

// Gate names the stage of evaluation that produced a decision.
type Gate string

const (
	GateClassify Gate = "classify"
	GateBudget   Gate = "budget"
	GateQuota    Gate = "quota"
	GateRate     Gate = "rate"
	GateCredit   Gate = "credit"
	GateCommit   Gate = "commit"
)

// Decision is the terminal verdict of EvaluateAccess.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  Reason `json:"reason,omitempty"`
	Gate    Gate   `json:"gate,omitempty"`
	BYOK    bool   `json:"byok"`
	Plan    string `json:"plan,omitempty"`

	// ResetAt is set for rate-limited denials and for granted requests
	// that passed through the temporal gate.
	ResetAt time.Time `json:"reset_at,omitzero"`
	// Remaining is the smallest remaining count across evaluated windows.
	Remaining int64 `json:"remaining"`
	// Balance is the credit balance after a debit, or at denial.
	Balance int64 `json:"balance"`
	// CreditSource names the source that granted the debit.
	CreditSource string `json:"credit_source,omitempty"`
	// BudgetStatus is the global status observed at the budget gate.
	BudgetStatus BudgetLevel `json:"budget_status,omitempty"`

	// Degraded lists gates that failed open on a dependency error.
	Degraded []Gate `json:"degraded,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

// Err returns nil for granted decisions and a *DenialError otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return &DenialError{
		Reason:    d.Reason,
		ResetAt:   d.ResetAt,
		Remaining: d.Remaining,
		Balance:   d.Balance,
	}
}
