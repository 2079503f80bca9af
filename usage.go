package quotaguard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one entry of the append-only usage log. Records are never
// mutated after insert; per-user and global usage are aggregated from them.
type UsageRecord struct {
	ID         string    `json:"id"`
	Identity   Identity  `json:"identity"`
	Feature    string    `json:"feature,omitempty"`
	ModelID    string    `json:"model_id"`
	Provider   string    `json:"provider"`
	BYOK       bool      `json:"byok"`
	CostMicros int64     `json:"cost_micros"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewUsageRecord creates a record with a fresh ID.
func NewUsageRecord(id Identity, feature, modelID, provider string, byok bool, costMicros int64, now time.Time) UsageRecord {
	return UsageRecord{
		ID:         uuid.New().String(),
		Identity:   id,
		Feature:    feature,
		ModelID:    modelID,
		Provider:   provider,
		BYOK:       byok,
		CostMicros: costMicros,
		Timestamp:  now.UTC(),
	}
}

// UsageTotals is an aggregate over usage records.
type UsageTotals struct {
	Requests   int64 `json:"requests"`
	CostMicros int64 `json:"cost_micros"`
}

// UsageLog is the append-only audit trail.
type UsageLog interface {
	Append(ctx context.Context, rec UsageRecord) error

	// ProviderUsage aggregates pooled (non-BYOK) usage of a provider since t.
	ProviderUsage(ctx context.Context, provider string, since time.Time) (UsageTotals, error)

	// IdentityUsage aggregates all usage of an identity since t.
	IdentityUsage(ctx context.Context, id Identity, since time.Time) (UsageTotals, error)
}
