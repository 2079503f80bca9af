package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/store/sqlite"
)

var (
	alice = quotaguard.UserIdentity("alice")
	t0    = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotaguard.db")
	s, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Debit(ctx, alice, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(0), res.NewBalance)

	bal, err := s.Credit(ctx, alice, 10, "purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
	bal, err = s.Credit(ctx, alice, 5, "promo")
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	res, err = s.Debit(ctx, alice, 15)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.Equal(t, "purchased", res.Source)

	res, err = s.Debit(ctx, alice, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	txs, err := s.Transactions(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(-15), txs[0].Delta)
	assert.Equal(t, int64(0), txs[0].BalanceAfter)
}

func TestLedger_ConcurrentDebits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Credit(ctx, alice, 10, "purchase")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var granted atomic.Int64
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Debit(ctx, alice, 2)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
	bal, err := s.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestUsageLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "m", "gemini", false, 100, t0)))
	require.NoError(t, s.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "m", "gemini", true, 100, t0)))
	require.NoError(t, s.Append(ctx, quotaguard.NewUsageRecord(alice, "chat", "m", "gemini", false, 100, t0.AddDate(0, -1, 0))))

	tot, err := s.ProviderUsage(ctx, "gemini", quotaguard.WindowMonth.Anchor(t0))
	require.NoError(t, err)
	assert.Equal(t, quotaguard.UsageTotals{Requests: 1, CostMicros: 100}, tot)

	tot, err = s.IdentityUsage(ctx, alice, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), tot.Requests)
}

func TestQuotaStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetQuota(ctx, "chat", "free")
	assert.ErrorIs(t, err, quotaguard.ErrQuotaNotConfigured)

	q := quotaguard.QuotaConfig{Feature: "chat", Plan: "free", Limit: 10, Window: quotaguard.QuotaDaily}
	require.NoError(t, s.CreateQuota(ctx, q))
	assert.ErrorIs(t, s.CreateQuota(ctx, q), quotaguard.ErrQuotaExists)

	window := quotaguard.QuotaMonthly
	before, after, err := s.UpdateQuota(ctx, "chat", "free", quotaguard.QuotaPatch{Window: &window})
	require.NoError(t, err)
	assert.Equal(t, quotaguard.QuotaDaily, before.Window)
	assert.Equal(t, quotaguard.QuotaMonthly, after.Window)
	assert.Equal(t, int64(10), after.Limit)

	got, err := s.GetQuota(ctx, "chat", "free")
	require.NoError(t, err)
	assert.Equal(t, quotaguard.QuotaMonthly, got.Window)

	all, err := s.ListQuotas(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.DeleteQuota(ctx, "chat", "free")
	require.NoError(t, err)
	_, _, err = s.UpdateQuota(ctx, "chat", "free", quotaguard.QuotaPatch{Window: &window})
	assert.ErrorIs(t, err, quotaguard.ErrQuotaNotConfigured)
}

func TestDebit_DriverErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.New(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE quotaguard_credit_balances").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.Debit(context.Background(), alice, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quotaguard/sqlite: debit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_AuditFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.New(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE quotaguard_credit_balances").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(7))
	mock.ExpectExec("INSERT INTO quotaguard_credit_transactions").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = s.Debit(context.Background(), alice, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quotaguard/sqlite: audit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateQuota_ConflictIsExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.New(db, sqlite.WithTablePrefix("qg_"))

	mock.ExpectExec("INSERT INTO qg_quota_configs").WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreateQuota(context.Background(), quotaguard.QuotaConfig{Feature: "chat", Plan: "free", Limit: 1, Window: quotaguard.QuotaDaily})
	assert.ErrorIs(t, err, quotaguard.ErrQuotaExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderUsage_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.New(db)

	mock.ExpectQuery("SELECT count").WithArgs("gemini", sqlmock.AnyArg()).
		WillReturnError(errors.New("no such table"))

	_, err = s.ProviderUsage(context.Background(), "gemini", t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider usage")
	assert.NoError(t, mock.ExpectationsWereMet())
}
