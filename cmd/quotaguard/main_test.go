package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaguard"
)

func testConfig() quotaguard.Config {
	cfg := quotaguard.DefaultConfig()
	cfg.Features = []quotaguard.FeatureConfig{{Name: "chat", CreditCost: 1, Provider: "gemini"}}
	cfg.DailyAllowance = map[string]int64{"free": 1}
	cfg.UserPlans = map[string]string{"bob": "pro"}
	cfg.Quotas = []quotaguard.QuotaConfig{
		{Feature: "chat", Plan: "free", Limit: 5, Window: quotaguard.QuotaDaily},
		{Feature: "chat", Plan: "pro", Limit: 500, Window: quotaguard.QuotaMonthly},
	}
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func exerciseStack(t *testing.T, st *stack) {
	t.Helper()
	ctx := context.Background()
	alice := quotaguard.UserIdentity("alice")

	// The daily allowance is spent before purchased credits.
	d, err := st.engine.EvaluateAccess(ctx, quotaguard.AccessRequest{Identity: alice, Feature: "chat", ModelID: "m"})
	require.NoError(t, err)
	assert.Equal(t, "daily_allowance", d.CreditSource)

	_, err = st.engine.EvaluateAccess(ctx, quotaguard.AccessRequest{Identity: alice, Feature: "chat", ModelID: "m"})
	assert.ErrorIs(t, err, quotaguard.ErrInsufficientCredits)

	_, err = st.ledger.Credit(ctx, alice, 3, "test")
	require.NoError(t, err)
	d, err = st.engine.EvaluateAccess(ctx, quotaguard.AccessRequest{Identity: alice, Feature: "chat", ModelID: "m"})
	require.NoError(t, err)
	assert.Equal(t, "purchased", d.CreditSource)
	assert.Equal(t, int64(3), d.Remaining, "two grants out of five")

	d, err = st.engine.EvaluateAccess(ctx, quotaguard.AccessRequest{Identity: quotaguard.UserIdentity("bob"), Feature: "chat"})
	assert.ErrorIs(t, err, quotaguard.ErrInsufficientCredits)
	assert.Equal(t, "pro", d.Plan)

	txs, err := st.transactions.Transactions(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestBuildStack_Memory(t *testing.T) {
	st, err := buildStack(context.Background(), testConfig(), nil, discard())
	require.NoError(t, err)
	defer st.Close()

	require.Len(t, st.sweepers, 1)
	exerciseStack(t, st)
}

func TestBuildStack_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "quotaguard.db")

	st, err := buildStack(context.Background(), cfg, nil, discard())
	require.NoError(t, err)
	exerciseStack(t, st)
	st.Close()

	// Seeding again keeps the stored rows.
	cfg.Quotas[0].Limit = 99
	st, err = buildStack(context.Background(), cfg, nil, discard())
	require.NoError(t, err)
	defer st.Close()
	q, err := st.engine.Registry().Get(context.Background(), "chat", "free")
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Limit)
}

func TestBuildStack_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	st, err := buildStack(context.Background(), cfg, nil, discard())
	require.NoError(t, err)
	defer st.Close()

	assert.Empty(t, st.sweepers)
	exerciseStack(t, st)
	assert.NotEmpty(t, mr.Keys())
}

func TestBuildStack_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mongo"
	_, err := buildStack(context.Background(), cfg, nil, discard())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Storage.RedisURL = "not-a-url"
	_, err = buildStack(context.Background(), cfg, nil, discard())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Quotas = []quotaguard.QuotaConfig{{Feature: "chat", Plan: "free", Limit: 1, Window: "weekly"}}
	_, err = buildStack(context.Background(), cfg, nil, discard())
	assert.ErrorIs(t, err, quotaguard.ErrInvalidQuota)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_QuotaAndCredits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quotaguard.yaml")
	body := fmt.Sprintf(`
features:
  - name: chat
    credit_cost: 1
    provider: gemini
budgets:
  - provider: gemini
    limit: 1000
storage:
  driver: sqlite
  sqlite_path: %s
`, filepath.Join(dir, "qg.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	out, err := runCLI(t, "-c", cfgPath, "quota", "set", "chat", "free", "--limit", "20")
	require.NoError(t, err)
	var q quotaguard.QuotaConfig
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, int64(20), q.Limit)
	assert.Equal(t, quotaguard.QuotaDaily, q.Window)

	out, err = runCLI(t, "-c", cfgPath, "quota", "set", "chat", "free", "--limit", "30", "--window", "monthly")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, int64(30), q.Limit)
	assert.Equal(t, quotaguard.QuotaMonthly, q.Window)

	_, err = runCLI(t, "-c", cfgPath, "quota", "get", "chat", "pro")
	assert.ErrorContains(t, err, "no quota configured")

	_, err = runCLI(t, "-c", cfgPath, "credits", "grant", "user", "42", "15", "--reason", "refund")
	require.NoError(t, err)

	out, err = runCLI(t, "-c", cfgPath, "credits", "balance", "user", "42")
	require.NoError(t, err)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, int64(15), bal.Balance)

	_, err = runCLI(t, "-c", cfgPath, "credits", "grant", "user", "42", "-3")
	assert.Error(t, err)

	out, err = runCLI(t, "-c", cfgPath, "budget", "status")
	require.NoError(t, err)
	var statuses []quotaguard.BudgetStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "gemini", statuses[0].Provider)
}
