package meter_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/meter"
)

func TestPrometheusMeter_CountsDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnDecision(quotaguard.DecisionEvent{Feature: "chat", Plan: "free", Granted: true, Duration: time.Millisecond})
	m.OnDecision(quotaguard.DecisionEvent{Feature: "chat", Plan: "free", Granted: true, Degraded: []quotaguard.Gate{quotaguard.GateBudget}})
	m.OnDecision(quotaguard.DecisionEvent{Feature: "chat", Plan: "free", Reason: quotaguard.ReasonRateLimited})
	m.OnDependencyError(quotaguard.DependencyEvent{Dependency: quotaguard.DepBudget, Policy: quotaguard.FailOpen})
	m.OnUsage(quotaguard.UsageEvent{Record: quotaguard.UsageRecord{Provider: "gemini", BYOK: true}})

	n, err := testutil.GatherAndCount(reg, "quotaguard_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // granted and denied series

	expected := `
# HELP quotaguard_denials_total Total number of denied requests by reason
# TYPE quotaguard_denials_total counter
quotaguard_denials_total{feature="chat",reason="rate_limited"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "quotaguard_denials_total"))

	expected = `
# HELP quotaguard_degraded_total Total number of gates that failed open
# TYPE quotaguard_degraded_total counter
quotaguard_degraded_total{gate="budget"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "quotaguard_degraded_total"))

	expected = `
# HELP quotaguard_usage_records_total Total number of usage records appended
# TYPE quotaguard_usage_records_total counter
quotaguard_usage_records_total{byok="true",provider="gemini",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "quotaguard_usage_records_total"))
}

func TestLogMeter_LogsDeniedAndErrors(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnDecision(quotaguard.DecisionEvent{
		Identity: quotaguard.UserIdentity("u1"),
		Feature:  "chat",
		Reason:   quotaguard.ReasonInsufficientCredits,
		Gate:     quotaguard.GateCredit,
	})
	m.OnUsage(quotaguard.UsageEvent{}) // successful appends are silent
	m.OnUsage(quotaguard.UsageEvent{
		Record: quotaguard.UsageRecord{Identity: quotaguard.UserIdentity("u1")},
		Error:  errors.New("disk full"),
	})

	out := buf.String()
	assert.Contains(t, out, "decision_denied")
	assert.Contains(t, out, "reason=insufficient_credits")
	assert.Contains(t, out, "identity=user:u1")
	assert.Contains(t, out, "usage_error")
	assert.Contains(t, out, "disk full")
}

func TestMulti_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := meter.Multi{
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&a, nil))),
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&b, nil))),
		&meter.NoopMeter{},
	}
	m.OnDependencyError(quotaguard.DependencyEvent{Dependency: quotaguard.DepWindows, Policy: quotaguard.FailOpen})

	assert.Contains(t, a.String(), "dependency=windows")
	assert.Contains(t, b.String(), "dependency=windows")
}
