package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/quotaguard"
)

// Append inserts a usage record. Records are never updated.
func (s *Store) Append(ctx context.Context, rec quotaguard.UsageRecord) error {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return fmt.Errorf("quotaguard/postgres: usage id: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity_kind, identity_value, feature, model_id, provider, byok, cost_micros, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.usageTable()),
		rec.ID, string(rec.Identity.Kind), rec.Identity.Value, rec.Feature, rec.ModelID,
		rec.Provider, rec.BYOK, rec.CostMicros, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("quotaguard/postgres: append usage: %w", err)
	}
	return nil
}

// ProviderUsage aggregates non-BYOK usage of a provider since t.
func (s *Store) ProviderUsage(ctx context.Context, provider string, since time.Time) (quotaguard.UsageTotals, error) {
	var t quotaguard.UsageTotals
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(sum(cost_micros), 0) FROM %s
			WHERE provider = $1 AND NOT byok AND created_at >= $2`, s.usageTable()),
		provider, since,
	).Scan(&t.Requests, &t.CostMicros)
	if err != nil {
		return quotaguard.UsageTotals{}, fmt.Errorf("quotaguard/postgres: provider usage: %w", err)
	}
	return t, nil
}

// IdentityUsage aggregates all usage of an identity since t.
func (s *Store) IdentityUsage(ctx context.Context, id quotaguard.Identity, since time.Time) (quotaguard.UsageTotals, error) {
	var t quotaguard.UsageTotals
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(sum(cost_micros), 0) FROM %s
			WHERE identity_kind = $1 AND identity_value = $2 AND created_at >= $3`, s.usageTable()),
		string(id.Kind), id.Value, since,
	).Scan(&t.Requests, &t.CostMicros)
	if err != nil {
		return quotaguard.UsageTotals{}, fmt.Errorf("quotaguard/postgres: identity usage: %w", err)
	}
	return t, nil
}

