package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/store/memory"
)

var (
	alice = quotaguard.UserIdentity("alice")
	t0    = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
)

func TestLedger_DebitAndCredit(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()

	res, err := l.Debit(ctx, alice, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted, "unknown identity has no credits")
	assert.Equal(t, int64(0), res.NewBalance)

	bal, err := l.Credit(ctx, alice, 10, "purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	res, err = l.Debit(ctx, alice, 4)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(6), res.NewBalance)

	res, err = l.Debit(ctx, alice, 7)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(6), res.NewBalance)

	txs, err := l.Transactions(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(-4), txs[0].Delta)
	assert.Equal(t, "purchase", txs[1].Reason)
}

func TestLedger_RejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()

	_, err := l.Debit(ctx, alice, 0)
	assert.ErrorIs(t, err, quotaguard.ErrInvalidAmount)
	_, err = l.Credit(ctx, alice, -5, "oops")
	assert.ErrorIs(t, err, quotaguard.ErrInvalidAmount)
}

func TestLedger_ConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	_, err := l.Credit(ctx, alice, 10, "purchase")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var granted atomic.Int64
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Debit(ctx, alice, 3)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), granted.Load())
	bal, err := l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
}

func TestWindowStore_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.NewWindowStore()
	key := quotaguard.WindowKey{Identity: alice, Scope: "gpt"}
	limits := []quotaguard.WindowLimit{
		{Kind: quotaguard.WindowDay, Limit: 10},
		{Kind: quotaguard.WindowMinute, Limit: 2},
	}

	for range 2 {
		checks, err := s.Admit(ctx, key, limits, t0)
		require.NoError(t, err)
		assert.True(t, checks[0].Granted && checks[1].Granted)
	}

	checks, err := s.Admit(ctx, key, limits, t0)
	require.NoError(t, err)
	assert.True(t, checks[0].Granted, "day window still has room")
	assert.False(t, checks[1].Granted)

	peek, err := s.Peek(ctx, key, []quotaguard.WindowKind{quotaguard.WindowDay}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), peek[0].Count, "denied admission must not touch the day window")
}

func TestWindowStore_ResetsAtAnchor(t *testing.T) {
	ctx := context.Background()
	s := memory.NewWindowStore()
	key := quotaguard.WindowKey{Identity: alice, Scope: "gpt"}
	limits := []quotaguard.WindowLimit{{Kind: quotaguard.WindowDay, Limit: 1}}

	checks, err := s.Admit(ctx, key, limits, t0)
	require.NoError(t, err)
	assert.True(t, checks[0].Granted)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), checks[0].ResetAt)

	checks, err = s.Admit(ctx, key, limits, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, checks[0].Granted)

	next := time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	checks, err = s.Admit(ctx, key, limits, next)
	require.NoError(t, err)
	assert.True(t, checks[0].Granted)
	assert.Equal(t, int64(1), checks[0].Count)
}

func TestWindowStore_Release(t *testing.T) {
	ctx := context.Background()
	s := memory.NewWindowStore()
	key := quotaguard.WindowKey{Identity: alice, Scope: "gpt"}
	limits := []quotaguard.WindowLimit{{Kind: quotaguard.WindowMinute, Limit: 1}}

	checks, err := s.Admit(ctx, key, limits, t0)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, key, checks))

	checks, err = s.Admit(ctx, key, limits, t0)
	require.NoError(t, err)
	assert.True(t, checks[0].Granted)

	// A release from a past window is ignored.
	later := t0.Add(2 * time.Minute)
	_, err = s.Admit(ctx, key, limits, later)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, key, checks))
	peek, err := s.Peek(ctx, key, []quotaguard.WindowKind{quotaguard.WindowMinute}, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), peek[0].Count)
}

func TestWindowStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s := memory.NewWindowStore()
	key := quotaguard.WindowKey{Identity: alice, Scope: "gpt"}

	_, err := s.Admit(ctx, key, []quotaguard.WindowLimit{{Kind: quotaguard.WindowMinute, Limit: 5}}, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, 1, s.Sweep(t0.Add(3*time.Minute)))
	assert.Equal(t, 0, s.Len())
}

func TestDailyAllowance_ResetsAtMidnight(t *testing.T) {
	ctx := context.Background()
	now := t0
	a := memory.NewDailyAllowance(quotaguard.FixedAllowance(5),
		memory.WithAllowanceClock(func() time.Time { return now }))

	res, err := a.Debit(ctx, alice, 3)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(2), res.NewBalance)

	res, err = a.Debit(ctx, alice, 3)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	now = now.Add(24 * time.Hour)
	bal, err := a.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestDailyAllowance_PerPlan(t *testing.T) {
	ctx := context.Background()
	plans := memory.NewPlans("free")
	plans.Set("alice", "pro")
	a := memory.NewDailyAllowance(quotaguard.PlanAllowance(plans, "anonymous",
		map[string]int64{"pro": 100, "free": 10, "anonymous": 1}))

	bal, err := a.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	bal, err = a.Balance(ctx, quotaguard.UserIdentity("bob"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	bal, err = a.Balance(ctx, quotaguard.IPIdentity("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
}

func TestQuotaStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := memory.NewQuotaStore()

	_, err := s.GetQuota(ctx, "chat", "free")
	assert.ErrorIs(t, err, quotaguard.ErrQuotaNotConfigured)

	q := quotaguard.QuotaConfig{Feature: "chat", Plan: "free", Limit: 10, Window: quotaguard.QuotaDaily}
	require.NoError(t, s.CreateQuota(ctx, q))
	assert.ErrorIs(t, s.CreateQuota(ctx, q), quotaguard.ErrQuotaExists)

	limit := int64(25)
	before, after, err := s.UpdateQuota(ctx, "chat", "free", quotaguard.QuotaPatch{Limit: &limit})
	require.NoError(t, err)
	assert.Equal(t, int64(10), before.Limit)
	assert.Equal(t, int64(25), after.Limit)
	assert.Equal(t, quotaguard.QuotaDaily, after.Window)

	require.NoError(t, s.CreateQuota(ctx, quotaguard.QuotaConfig{Feature: "chat", Plan: "anonymous", Limit: 1, Window: quotaguard.QuotaDaily}))
	all, err := s.ListQuotas(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anonymous", all[0].Plan)

	deleted, err := s.DeleteQuota(ctx, "chat", "free")
	require.NoError(t, err)
	assert.Equal(t, int64(25), deleted.Limit)
	_, err = s.DeleteQuota(ctx, "chat", "free")
	assert.ErrorIs(t, err, quotaguard.ErrQuotaNotConfigured)
}

func TestUsageLog_ProviderUsageSkipsBYOK(t *testing.T) {
	ctx := context.Background()
	l := memory.NewUsageLog()

	require.NoError(t, l.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "gemini-pro", "gemini", false, 100, t0)))
	require.NoError(t, l.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "gemini-pro", "gemini", true, 100, t0)))
	require.NoError(t, l.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "gemini-pro", "gemini", false, 50, t0.AddDate(0, -1, 0))))

	tot, err := l.ProviderUsage(ctx, "gemini", quotaguard.WindowMonth.Anchor(t0))
	require.NoError(t, err)
	assert.Equal(t, quotaguard.UsageTotals{Requests: 1, CostMicros: 100}, tot)

	tot, err = l.IdentityUsage(ctx, alice, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), tot.Requests)
	assert.Len(t, l.Records(), 3)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	c := memory.NewCredentials()
	c.Add("alice", "gemini")

	ok, err := c.HasOwnCredential(ctx, "alice", "gemini")
	require.NoError(t, err)
	assert.True(t, ok)

	c.Remove("alice", "gemini")
	ok, err = c.HasOwnCredential(ctx, "alice", "gemini")
	require.NoError(t, err)
	assert.False(t, ok)
}
