package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ineyio/quotaguard"
)

// Append inserts a usage record. Records are never updated.
func (s *Store) Append(ctx context.Context, rec quotaguard.UsageRecord) error {
	byok := 0
	if rec.BYOK {
		byok = 1
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity_kind, identity_value, feature, model_id, provider, byok, cost_micros, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.usageTable()),
		rec.ID, string(rec.Identity.Kind), rec.Identity.Value, rec.Feature, rec.ModelID,
		rec.Provider, byok, rec.CostMicros, rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("quotaguard/sqlite: append usage: %w", err)
	}
	return nil
}

// ProviderUsage aggregates non-BYOK usage of a provider since t.
func (s *Store) ProviderUsage(ctx context.Context, provider string, since time.Time) (quotaguard.UsageTotals, error) {
	var t quotaguard.UsageTotals
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(sum(cost_micros), 0) FROM %s
			WHERE provider = ? AND byok = 0 AND created_at >= ?`, s.usageTable()),
		provider, since.UnixMilli(),
	).Scan(&t.Requests, &t.CostMicros)
	if err != nil {
		return quotaguard.UsageTotals{}, fmt.Errorf("quotaguard/sqlite: provider usage: %w", err)
	}
	return t, nil
}

// IdentityUsage aggregates all usage of an identity since t.
func (s *Store) IdentityUsage(ctx context.Context, id quotaguard.Identity, since time.Time) (quotaguard.UsageTotals, error) {
	var t quotaguard.UsageTotals
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(sum(cost_micros), 0) FROM %s
			WHERE identity_kind = ? AND identity_value = ? AND created_at >= ?`, s.usageTable()),
		string(id.Kind), id.Value, since.UnixMilli(),
	).Scan(&t.Requests, &t.CostMicros)
	if err != nil {
		return quotaguard.UsageTotals{}, fmt.Errorf("quotaguard/sqlite: identity usage: %w", err)
	}
	return t, nil
}
