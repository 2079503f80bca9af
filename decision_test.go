package quotaguard_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotaguard"
)

func TestDecision_JSONOmitsUnsetResetAt(t *testing.T) {
	data, err := json.Marshal(qg.Decision{Granted: false, Gate: qg.GateCredit, Reason: qg.ReasonInsufficientCredits})
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "reset_at")

	reset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	data, err = json.Marshal(qg.Decision{Gate: qg.GateRate, Reason: qg.ReasonRateLimited, ResetAt: reset})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "2026-03-15T00:00:00Z", fields["reset_at"])
}
