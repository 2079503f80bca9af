package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ineyio/quotaguard"
)

const uniqueViolation = "23505"

func (s *Store) GetQuota(ctx context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	q := quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT quota_limit, quota_window, updated_at FROM %s WHERE feature = $1 AND plan = $2`, s.quotasTable()),
		feature, plan,
	).Scan(&q.Limit, &window, &q.UpdatedAt)
	if err == pgx.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/postgres: get quota: %w", err)
	}
	q.Window = quotaguard.QuotaWindow(window)
	return q, nil
}

func (s *Store) CreateQuota(ctx context.Context, q quotaguard.QuotaConfig) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (feature, plan, quota_limit, quota_window, updated_at) VALUES ($1, $2, $3, $4, $5)`, s.quotasTable()),
		q.Feature, q.Plan, q.Limit, string(q.Window), s.now().UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return quotaguard.ErrQuotaExists
	}
	if err != nil {
		return fmt.Errorf("quotaguard/postgres: create quota: %w", err)
	}
	return nil
}

// UpdateQuota locks the row, applies patch and returns both versions.
func (s *Store) UpdateQuota(ctx context.Context, feature, plan string, patch quotaguard.QuotaPatch) (before, after quotaguard.QuotaConfig, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return before, after, fmt.Errorf("quotaguard/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before = quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT quota_limit, quota_window, updated_at FROM %s WHERE feature = $1 AND plan = $2 FOR UPDATE`, s.quotasTable()),
		feature, plan,
	).Scan(&before.Limit, &window, &before.UpdatedAt)
	if err == pgx.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/postgres: lock quota: %w", err)
	}
	before.Window = quotaguard.QuotaWindow(window)

	after = patch.Apply(before)
	after.UpdatedAt = s.now().UTC()
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET quota_limit = $1, quota_window = $2, updated_at = $3 WHERE feature = $4 AND plan = $5`, s.quotasTable()),
		after.Limit, string(after.Window), after.UpdatedAt, feature, plan,
	)
	if err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/postgres: update quota: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return quotaguard.QuotaConfig{}, quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/postgres: commit: %w", err)
	}
	return before, after, nil
}

func (s *Store) DeleteQuota(ctx context.Context, feature, plan string) (quotaguard.QuotaConfig, error) {
	q := quotaguard.QuotaConfig{Feature: feature, Plan: plan}
	var window string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE feature = $1 AND plan = $2 RETURNING quota_limit, quota_window, updated_at`, s.quotasTable()),
		feature, plan,
	).Scan(&q.Limit, &window, &q.UpdatedAt)
	if err == pgx.ErrNoRows {
		return quotaguard.QuotaConfig{}, quotaguard.ErrQuotaNotConfigured
	}
	if err != nil {
		return quotaguard.QuotaConfig{}, fmt.Errorf("quotaguard/postgres: delete quota: %w", err)
	}
	q.Window = quotaguard.QuotaWindow(window)
	return q, nil
}

func (s *Store) ListQuotas(ctx context.Context) ([]quotaguard.QuotaConfig, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT feature, plan, quota_limit, quota_window, updated_at FROM %s ORDER BY feature, plan`, s.quotasTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: list quotas: %w", err)
	}
	defer rows.Close()

	var out []quotaguard.QuotaConfig
	for rows.Next() {
		var q quotaguard.QuotaConfig
		var window string
		if err := rows.Scan(&q.Feature, &q.Plan, &q.Limit, &window, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("quotaguard/postgres: scan quota: %w", err)
		}
		q.Window = quotaguard.QuotaWindow(window)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: list quotas: %w", err)
	}
	return out, nil
}
