package quotaguard_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/store/memory"
)

func TestWindowKind_AnchorAndReset(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC), qg.WindowMinute.Anchor(now))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), qg.WindowMinute.ResetAt(now))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), qg.WindowDay.ResetAt(now))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), qg.WindowMonth.Anchor(now))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), qg.WindowMonth.ResetAt(now))

	// Anchors are UTC regardless of the input zone.
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2026, 3, 15, 5, 0, 0, 0, tokyo)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), qg.WindowDay.Anchor(local))

	assert.Equal(t, 48*time.Hour, qg.WindowDay.TTL(now))
}

func newTracker(now *time.Time, opts ...qg.RateTrackerOption) (*qg.RateTracker, *memory.WindowStore) {
	store := memory.NewWindowStore()
	opts = append([]qg.RateTrackerOption{qg.WithRateClock(func() time.Time { return *now })}, opts...)
	return qg.NewRateTracker(store, opts...), store
}

func TestRateTracker_CheckAndIncrement(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)
	id := qg.UserIdentity("alice")
	ctx := context.Background()

	for i := range 3 {
		res, err := tr.CheckAndIncrement(ctx, id, "gemini-pro", qg.WindowDay, 3)
		require.NoError(t, err)
		assert.True(t, res.Granted)
		assert.Equal(t, int64(2-i), res.Remaining)
	}

	res, err := tr.CheckAndIncrement(ctx, id, "gemini-pro", qg.WindowDay, 3)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), res.ResetAt)

	// Other models and other identity kinds have their own counters.
	res, err = tr.CheckAndIncrement(ctx, id, "gemini-flash", qg.WindowDay, 3)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	res, err = tr.CheckAndIncrement(ctx, qg.IPIdentity("alice"), "gemini-pro", qg.WindowDay, 3)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// A new day starts from zero.
	now = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	res, err = tr.CheckAndIncrement(ctx, id, "gemini-pro", qg.WindowDay, 3)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestRateTracker_AdmitIsAllOrNothing(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)
	key := qg.WindowKey{Identity: qg.UserIdentity("alice"), Scope: "m"}
	limits := []qg.WindowLimit{{Kind: qg.WindowMinute, Limit: 1}, {Kind: qg.WindowDay, Limit: 10}}
	ctx := context.Background()

	res, err := tr.Admit(ctx, key, limits)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	res, err = tr.Admit(ctx, key, limits)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, t0.Add(time.Minute), res.ResetAt)

	preview, err := tr.Preview(ctx, key, limits)
	require.NoError(t, err)
	assert.Equal(t, int64(1), preview.Windows[1].Count, "denied admission did not touch the day window")
	assert.Equal(t, int64(9), preview.Windows[1].Remaining)
}

func TestRateTracker_Release(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)
	key := qg.WindowKey{Identity: qg.UserIdentity("alice"), Scope: "m"}
	limits := []qg.WindowLimit{{Kind: qg.WindowDay, Limit: 1}}
	ctx := context.Background()

	res, err := tr.Admit(ctx, key, limits)
	require.NoError(t, err)
	require.NoError(t, tr.Release(ctx, key, res))
	require.NoError(t, tr.Release(ctx, key, res), "never below zero")

	res, err = tr.Admit(ctx, key, limits)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// A release after the window rolled over leaves the new window alone.
	now = t0.AddDate(0, 0, 1)
	fresh, err := tr.Admit(ctx, key, limits)
	require.NoError(t, err)
	require.True(t, fresh.Granted)
	require.NoError(t, tr.Release(ctx, key, res))

	preview, err := tr.Preview(ctx, key, limits)
	require.NoError(t, err)
	assert.Equal(t, int64(1), preview.Windows[0].Count)
}

func TestRateTracker_InvalidLimits(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)
	key := qg.WindowKey{Identity: qg.UserIdentity("alice"), Scope: "m"}

	_, err := tr.Admit(context.Background(), key, []qg.WindowLimit{{Kind: "hour", Limit: 1}})
	assert.Error(t, err)
	_, err = tr.Admit(context.Background(), key, []qg.WindowLimit{{Kind: qg.WindowDay, Limit: -1}})
	assert.Error(t, err)

	res, err := tr.Admit(context.Background(), key, nil)
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestRateTracker_ZeroLimitDenies(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)

	res, err := tr.CheckAndIncrement(context.Background(), qg.UserIdentity("alice"), "m", qg.WindowDay, 0)
	require.NoError(t, err)
	assert.False(t, res.Granted)
}

func TestRateTracker_FailurePolicy(t *testing.T) {
	store := &spyWindows{WindowStore: memory.NewWindowStore(), err: errDown}
	key := qg.WindowKey{Identity: qg.UserIdentity("alice"), Scope: "m"}
	limits := []qg.WindowLimit{{Kind: qg.WindowDay, Limit: 1}}

	closed := qg.NewRateTracker(store)
	assert.Equal(t, qg.FailClosed, closed.Policy())
	res, err := closed.Admit(context.Background(), key, limits)
	assert.True(t, qg.IsDependency(err))
	assert.False(t, res.Granted)

	open := qg.NewRateTracker(store, qg.WithRatePolicy(qg.FailOpen))
	res, err = open.Admit(context.Background(), key, limits)
	assert.True(t, qg.IsDependency(err))
	assert.True(t, res.Granted)
	assert.True(t, res.FailedOpen)
	assert.NoError(t, open.Release(context.Background(), key, res))
}

// Concurrent admissions never exceed the limit.
func TestRateTracker_Concurrent(t *testing.T) {
	now := t0
	tr, _ := newTracker(&now)
	key := qg.WindowKey{Identity: qg.UserIdentity("alice"), Scope: "m"}
	limits := []qg.WindowLimit{{Kind: qg.WindowDay, Limit: 25}}

	var wg sync.WaitGroup
	var granted atomic.Int64
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Admit(context.Background(), key, limits)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(25), granted.Load())
}
