package quotaguard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/cache"
	"github.com/ineyio/quotaguard/store/memory"
)

func seedUsage(t *testing.T, log qg.UsageLog, provider string, n int, byok bool, costMicros int64, at time.Time) {
	t.Helper()
	for range n {
		rec := qg.NewUsageRecord(qg.UserIdentity("u"), "chat", "m", provider, byok, costMicros, at)
		require.NoError(t, log.Append(context.Background(), rec))
	}
}

func TestBudgetGovernor_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		want     qg.BudgetLevel
		disabled bool
	}{
		{"ok", 10, qg.BudgetOK, false},
		{"warning at ratio", 80, qg.BudgetWarning, false},
		{"just below limit", 99, qg.BudgetWarning, false},
		{"exceeded at limit", 100, qg.BudgetExceeded, true},
		{"over limit", 120, qg.BudgetExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := memory.NewUsageLog()
			seedUsage(t, log, "gemini", tt.used, false, 0, t0)
			g := qg.NewBudgetGovernor(log,
				[]qg.BudgetPolicy{{Provider: "gemini", Limit: 100}},
				qg.WithBudgetClock(func() time.Time { return t0 }),
			)

			v := g.ShouldDisable(context.Background(), "gemini")
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, tt.disabled, v.ShouldDisable)
			assert.False(t, v.Degraded)
			if tt.disabled {
				assert.Contains(t, v.Reason, "gemini budget exhausted")
			}
		})
	}
}

func TestBudgetGovernor_IgnoresBYOKAndPastPeriods(t *testing.T) {
	log := memory.NewUsageLog()
	seedUsage(t, log, "gemini", 50, true, 0, t0)
	seedUsage(t, log, "gemini", 50, false, 0, t0.AddDate(0, -1, 0))
	seedUsage(t, log, "openai", 50, false, 0, t0)
	seedUsage(t, log, "gemini", 3, false, 0, t0)

	g := qg.NewBudgetGovernor(log,
		[]qg.BudgetPolicy{{Provider: "gemini", Limit: 10}},
		qg.WithBudgetClock(func() time.Time { return t0 }),
	)
	st, err := g.CurrentStatus(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, qg.BudgetOK, st.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), st.PeriodStart)
}

func TestBudgetGovernor_CostMetric(t *testing.T) {
	log := memory.NewUsageLog()
	seedUsage(t, log, "gemini", 2, false, 600_000, t0)

	g := qg.NewBudgetGovernor(log,
		[]qg.BudgetPolicy{{Provider: "gemini", Limit: 1_000_000, Metric: qg.MetricCostMicros, Period: qg.QuotaDaily}},
		qg.WithBudgetClock(func() time.Time { return t0 }),
	)
	v := g.ShouldDisable(context.Background(), "gemini")
	assert.True(t, v.ShouldDisable)
	assert.Equal(t, qg.BudgetExceeded, v.Status)
}

func TestBudgetGovernor_UnknownProviderIsOK(t *testing.T) {
	g := qg.NewBudgetGovernor(&spyUsage{UsageLog: memory.NewUsageLog(), aggErr: errDown}, nil)

	v := g.ShouldDisable(context.Background(), "openai")
	assert.False(t, v.ShouldDisable)
	assert.False(t, v.Degraded)
}

func TestBudgetGovernor_FailsOpen(t *testing.T) {
	usage := &spyUsage{UsageLog: memory.NewUsageLog(), aggErr: errDown}
	g := qg.NewBudgetGovernor(usage, []qg.BudgetPolicy{{Provider: "gemini", Limit: 1}})

	v := g.ShouldDisable(context.Background(), "gemini")
	assert.False(t, v.ShouldDisable)
	assert.True(t, v.Degraded)
	assert.Equal(t, qg.BudgetOK, v.Status)

	// Failures are not cached: the next call sees the recovered store.
	usage.aggErr = nil
	seedUsage(t, usage, "gemini", 1, false, 0, time.Now())
	v = g.ShouldDisable(context.Background(), "gemini")
	assert.True(t, v.ShouldDisable)
	assert.False(t, v.Degraded)

	_, err := (qg.NewBudgetGovernor(&spyUsage{UsageLog: memory.NewUsageLog(), aggErr: errDown},
		[]qg.BudgetPolicy{{Provider: "gemini", Limit: 1}})).CurrentStatus(context.Background(), "gemini")
	assert.True(t, qg.IsDependency(err))
}

func TestBudgetGovernor_CacheAndRefresh(t *testing.T) {
	log := memory.NewUsageLog()
	now := t0
	clock := func() time.Time { return now }
	g := qg.NewBudgetGovernor(log,
		[]qg.BudgetPolicy{{Provider: "gemini", Limit: 5}},
		qg.WithBudgetClock(clock),
		qg.WithBudgetCache(cache.New[string, qg.BudgetStatus](time.Minute, cache.WithClock(clock))),
	)
	ctx := context.Background()

	assert.False(t, g.ShouldDisable(ctx, "gemini").ShouldDisable)

	seedUsage(t, log, "gemini", 5, false, 0, t0)
	assert.False(t, g.ShouldDisable(ctx, "gemini").ShouldDisable, "stale within TTL")

	now = t0.Add(time.Minute)
	assert.True(t, g.ShouldDisable(ctx, "gemini").ShouldDisable, "recomputed after TTL")

	g.RefreshCache()
	st, err := g.CurrentStatus(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Total)
	assert.Equal(t, now, st.LastChecked)
}

func TestBudgetPolicy_Validate(t *testing.T) {
	assert.NoError(t, qg.BudgetPolicy{Provider: "gemini", Limit: 1}.Validate())
	assert.Error(t, qg.BudgetPolicy{Limit: 1}.Validate())
	assert.Error(t, qg.BudgetPolicy{Provider: "gemini"}.Validate())
	assert.Error(t, qg.BudgetPolicy{Provider: "gemini", Limit: 1, Metric: "tokens"}.Validate())
	assert.Error(t, qg.BudgetPolicy{Provider: "gemini", Limit: 1, Period: "weekly"}.Validate())
	assert.Error(t, qg.BudgetPolicy{Provider: "gemini", Limit: 1, WarningRatio: 1}.Validate())
}
