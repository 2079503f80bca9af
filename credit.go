package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreditSource is one spendable balance. Debit must be atomic per identity:
// compare and decrement happen as one indivisible step in the backing store,
// and a refused debit has no side effects.
type CreditSource interface {
	// Name identifies the source in decisions and logs.
	Name() string

	// Balance returns the spendable balance. Unknown identities have 0.
	Balance(ctx context.Context, id Identity) (int64, error)

	// Debit removes amount if the balance covers it.
	Debit(ctx context.Context, id Identity, amount int64) (DebitResult, error)
}

// CreditLedger is the authoritative purchased-credit store.
type CreditLedger interface {
	CreditSource

	// Credit unconditionally adds amount and writes an audit entry.
	Credit(ctx context.Context, id Identity, amount int64, reason string) (int64, error)
}

// DebitResult is the outcome of a debit attempt.
type DebitResult struct {
	Granted    bool   `json:"granted"`
	NewBalance int64  `json:"new_balance"`
	Source     string `json:"source,omitempty"`
}

// CreditBalance is a ledger row.
type CreditBalance struct {
	Identity  Identity  `json:"identity"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditChain tries its sources in priority order and stops at the first
// that grants. Typical order: pooled daily allowance, then purchased credits.
type CreditChain struct {
	sources []CreditSource
	ledger  CreditLedger
}

var _ CreditLedger = (*CreditChain)(nil)

// NewCreditChain builds a chain. ledger receives Credit calls and is
// appended as the last source if it is not already in sources.
func NewCreditChain(ledger CreditLedger, sources ...CreditSource) *CreditChain {
	ch := &CreditChain{ledger: ledger}
	found := false
	for _, s := range sources {
		if s == nil {
			continue
		}
		if s == CreditSource(ledger) {
			found = true
		}
		ch.sources = append(ch.sources, s)
	}
	if ledger != nil && !found {
		ch.sources = append(ch.sources, ledger)
	}
	return ch
}

func (c *CreditChain) Name() string { return "chain" }

// Sources returns the sources in priority order.
func (c *CreditChain) Sources() []CreditSource { return c.sources }

// Balance returns the sum of all source balances.
func (c *CreditChain) Balance(ctx context.Context, id Identity) (int64, error) {
	var total int64
	for _, s := range c.sources {
		b, err := s.Balance(ctx, id)
		if err != nil {
			return 0, dependencyErr(DepCredits, "balance:"+s.Name(), err)
		}
		total += b
	}
	return total, nil
}

// Debit tries each source in order. A source that errors is skipped; if no
// source grants and at least one errored, the dependency error is returned
// so the caller can apply its failure policy.
func (c *CreditChain) Debit(ctx context.Context, id Identity, amount int64) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}

	var errs []error
	var balance int64
	for _, s := range c.sources {
		res, err := s.Debit(ctx, id, amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if res.Granted {
			res.Source = s.Name()
			return res, nil
		}
		balance += res.NewBalance
	}

	if len(errs) > 0 {
		return DebitResult{NewBalance: balance}, dependencyErr(DepCredits, "debit", errors.Join(errs...))
	}
	return DebitResult{Granted: false, NewBalance: balance}, nil
}

// Credit adds purchased credits to the ledger.
func (c *CreditChain) Credit(ctx context.Context, id Identity, amount int64, reason string) (int64, error) {
	if c.ledger == nil {
		return 0, fmt.Errorf("quotaguard: credit chain has no ledger")
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return c.ledger.Credit(ctx, id, amount, reason)
}

// AllowanceFunc returns the pooled daily allowance of an identity.
type AllowanceFunc func(ctx context.Context, id Identity) (int64, error)

type planKey struct{}

// ContextWithPlan attaches the plan resolved for the current request, so
// credit sources apply the same plan as the quota gate.
func ContextWithPlan(ctx context.Context, plan string) context.Context {
	return context.WithValue(ctx, planKey{}, plan)
}

// PlanFromContext returns the plan attached by ContextWithPlan.
func PlanFromContext(ctx context.Context) (string, bool) {
	plan, ok := ctx.Value(planKey{}).(string)
	return plan, ok && plan != ""
}

// PlanAllowance resolves the allowance from the request's plan. Without one
// on the context, users are looked up through plans; anonymous identities,
// and users when plans is nil, get the anonymous plan's amount.
func PlanAllowance(plans PlanLookup, anonymousPlan string, perPlan map[string]int64) AllowanceFunc {
	return func(ctx context.Context, id Identity) (int64, error) {
		if plan, ok := PlanFromContext(ctx); ok {
			return perPlan[plan], nil
		}
		plan := anonymousPlan
		if id.IsUser() && plans != nil {
			p, err := plans.GetPlan(ctx, id.Value)
			if err != nil {
				return 0, err
			}
			plan = p
		}
		return perPlan[plan], nil
	}
}

// FixedAllowance gives every identity the same allowance.
func FixedAllowance(n int64) AllowanceFunc {
	return func(context.Context, Identity) (int64, error) { return n, nil }
}

// CreditTransaction is an audit entry of a ledger mutation. Delta is
// negative for debits.
type CreditTransaction struct {
	ID           string    `json:"id"`
	Identity     Identity  `json:"identity"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionLister is implemented by ledgers that expose their audit trail.
type TransactionLister interface {
	Transactions(ctx context.Context, id Identity, limit int) ([]CreditTransaction, error)
}
