package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ineyio/quotaguard"
)

func (s *Store) GetQuota(ctx context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	q := quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT quota_limit, quota_window, updated_at FROM %s WHERE feature = ? AND plan = ?`, s.quotasTable()),
		feature, plan,
	).Scan(&q.Limit, &window, &updated)
	if err == sql.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/sqlite: get quota: %w", err)
	}
	q.Window = quotaguard.QuotaWindow(window)
	q.UpdatedAt = time.UnixMilli(updated).UTC()
	return q, nil
}

func (s *Store) CreateQuota(ctx context.Context, q quotaguard.QuotaConfig) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (feature, plan, quota_limit, quota_window, updated_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (feature, plan) DO NOTHING`, s.quotasTable()),
		q.Feature, q.Plan, q.Limit, string(q.Window), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("quotaguard/sqlite: create quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("quotaguard/sqlite: create quota: %w", err)
	}
	if n == 0 {
		return quotaguard.ErrQuotaExists
	}
	return nil
}

// UpdateQuota applies patch inside a transaction and returns both versions.
func (s *Store) UpdateQuota(ctx context.Context, feature, plan string, patch quotaguard.QuotaPatch) (before, after quotaguard.QuotaConfig, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return before, after, fmt.Errorf("quotaguard/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	before = quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	var updated int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT quota_limit, quota_window, updated_at FROM %s WHERE feature = ? AND plan = ?`, s.quotasTable()),
		feature, plan,
	).Scan(&before.Limit, &window, &updated)
	if err == sql.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/sqlite: read quota: %w", err)
	}
	before.Window = quotaguard.QuotaWindow(window)
	before.UpdatedAt = time.UnixMilli(updated).UTC()

	after = patch.Apply(before)
	after.UpdatedAt = s.now().UTC()
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET quota_limit = ?, quota_window = ?, updated_at = ? WHERE feature = ? AND plan = ?`, s.quotasTable()),
		after.Limit, string(after.Window), after.UpdatedAt.UnixMilli(), feature, plan,
	)
	if err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/sqlite: update quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/sqlite: commit: %w", err)
	}
	return before, after, nil
}

func (s *Store) DeleteQuota(ctx context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	q := quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE feature = ? AND plan = ? RETURNING quota_limit, quota_window, updated_at`, s.quotasTable()),
		feature, plan,
	).Scan(&q.Limit, &window, &updated)
	if err == sql.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/sqlite: delete quota: %w", err)
	}
	q.Window = quotaguard.QuotaWindow(window)
	q.UpdatedAt = time.UnixMilli(updated).UTC()
	return q, nil
}

func (s *Store) ListQuotas(ctx context.Context) ([]quotaguard.QuotaConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT feature, plan, quota_limit, quota_window, updated_at FROM %s ORDER BY feature, plan`, s.quotasTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/sqlite: list quotas: %w", err)
	}
	defer rows.Close()

	var out []quotaguard.QuotaConfig
	for rows.Next() {
		var q quotaguard.QuotaConfig
		var window string
		var updated int64
		if err := rows.Scan(&q.Feature, &q.Plan, &q.Limit, &window, &updated); err != nil {
			return nil, fmt.Errorf("quotaguard/sqlite: scan quota: %w", err)
		}
		q.Window = quotaguard.QuotaWindow(window)
		q.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaguard/sqlite: list quotas: %w", err)
	}
	return out, nil
}
