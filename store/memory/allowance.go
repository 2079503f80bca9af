package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/quotaguard"
)

// DailyAllowance is a pooled credit source that grants every identity an
// allowance per UTC day. Unspent allowance does not carry over.
type DailyAllowance struct {
	mu        sync.Mutex
	allowance quotaguard.AllowanceFunc
	spent     map[quotaguard.Identity]*daySpend
	now       func() time.Time
}

type daySpend struct {
	day   time.Time
	spent int64
}

var _ quotaguard.CreditSource = (*DailyAllowance)(nil)

// AllowanceOption configures a DailyAllowance.
type AllowanceOption func(*DailyAllowance)

// WithAllowanceClock overrides time.Now.
func WithAllowanceClock(now func() time.Time) AllowanceOption {
	return func(a *DailyAllowance) { a.now = now }
}

// NewDailyAllowance creates a daily allowance source.
func NewDailyAllowance(allowance quotaguard.AllowanceFunc, opts ...AllowanceOption) *DailyAllowance {
	a := &DailyAllowance{
		allowance: allowance,
		spent:     make(map[quotaguard.Identity]*daySpend),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *DailyAllowance) Name() string { return "daily_allowance" }

// Balance returns what is left of today's allowance.
func (a *DailyAllowance) Balance(ctx context.Context, id quotaguard.Identity) (int64, error) {
	total, err := a.allowance(ctx, id)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return max(total-a.spentToday(id), 0), nil
}

// Debit spends from today's allowance.
func (a *DailyAllowance) Debit(ctx context.Context, id quotaguard.Identity, amount int64) (quotaguard.DebitResult, error) {
	if amount <= 0 {
		return quotaguard.DebitResult{}, quotaguard.ErrInvalidAmount
	}
	total, err := a.allowance(ctx, id)
	if err != nil {
		return quotaguard.DebitResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	left := total - a.spentToday(id)
	if left < amount {
		return quotaguard.DebitResult{Granted: false, NewBalance: max(left, 0)}, nil
	}
	a.spent[id].spent += amount
	return quotaguard.DebitResult{Granted: true, NewBalance: left - amount, Source: a.Name()}, nil
}

// spentToday returns today's spend and resets stale entries. Callers hold mu.
func (a *DailyAllowance) spentToday(id quotaguard.Identity) int64 {
	day := quotaguard.WindowDay.Anchor(a.now())
	s, ok := a.spent[id]
	if !ok || !s.day.Equal(day) {
		s = &daySpend{day: day}
		a.spent[id] = s
	}
	return s.spent
}
