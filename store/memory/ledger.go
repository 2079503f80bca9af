package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/quotaguard"
)

// Ledger is an in-memory quotaguard.CreditLedger with an audit trail.
type Ledger struct {
	mu       sync.Mutex
	balances map[quotaguard.Identity]*quotaguard.CreditBalance
	audit    []quotaguard.CreditTransaction
	now      func() time.Time
}

var (
	_ quotaguard.CreditLedger      = (*Ledger)(nil)
	_ quotaguard.TransactionLister = (*Ledger)(nil)
)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[quotaguard.Identity]*quotaguard.CreditBalance),
		now:      time.Now,
	}
}

func (l *Ledger) Name() string { return "purchased" }

// Balance returns the balance; unknown identities have 0.
func (l *Ledger) Balance(_ context.Context, id quotaguard.Identity) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[id]; ok {
		return b.Balance, nil
	}
	return 0, nil
}

// Debit removes amount if the balance covers it.
func (l *Ledger) Debit(_ context.Context, id quotaguard.Identity, amount int64) (quotaguard.DebitResult, error) {
	if amount <= 0 {
		return quotaguard.DebitResult{}, quotaguard.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[id]
	if !ok || b.Balance < amount {
		var bal int64
		if ok {
			bal = b.Balance
		}
		return quotaguard.DebitResult{Granted: false, NewBalance: bal}, nil
	}

	b.Balance -= amount
	b.UpdatedAt = l.now().UTC()
	l.record(id, -amount, b.Balance, "debit")
	return quotaguard.DebitResult{Granted: true, NewBalance: b.Balance, Source: l.Name()}, nil
}

// Credit adds amount and creates the balance row if needed.
func (l *Ledger) Credit(_ context.Context, id quotaguard.Identity, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, quotaguard.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[id]
	if !ok {
		b = &quotaguard.CreditBalance{Identity: id}
		l.balances[id] = b
	}
	b.Balance += amount
	b.UpdatedAt = l.now().UTC()
	l.record(id, amount, b.Balance, reason)
	return b.Balance, nil
}

// Transactions returns the newest audit entries of id first.
func (l *Ledger) Transactions(_ context.Context, id quotaguard.Identity, limit int) ([]quotaguard.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []quotaguard.CreditTransaction
	for i := len(l.audit) - 1; i >= 0; i-- {
		if l.audit[i].Identity != id {
			continue
		}
		out = append(out, l.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) record(id quotaguard.Identity, delta, after int64, reason string) {
	l.audit = append(l.audit, quotaguard.CreditTransaction{
		ID:           uuid.New().String(),
		Identity:     id,
		Delta:        delta,
		BalanceAfter: after,
		Reason:       reason,
		CreatedAt:    l.now().UTC(),
	})
}
