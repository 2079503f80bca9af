// Package postgres provides PostgreSQL-backed stores for quotaguard.
//
// Store implements the credit ledger, the usage log and the quota config
// store on a pgx pool. Debits are a single conditional UPDATE, so concurrent
// debits of one identity serialize on its row and never overspend; every
// ledger mutation writes its audit row in the same transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaguard"
)

// Store is a PostgreSQL-backed ledger, usage log and quota store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ quotaguard.CreditLedger      = (*Store)(nil)
	_ quotaguard.TransactionLister = (*Store)(nil)
	_ quotaguard.UsageLog          = (*Store)(nil)
	_ quotaguard.QuotaStore        = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaguard_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotaguard_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balancesTable() string     { return s.tablePrefix + "credit_balances" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "credit_transactions" }
func (s *Store) usageTable() string        { return s.tablePrefix + "usage_records" }
func (s *Store) quotasTable() string       { return s.tablePrefix + "quota_configs" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			identity_kind TEXT NOT NULL,
			identity_value TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (identity_kind, identity_value)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			identity_kind TEXT NOT NULL,
			identity_value TEXT NOT NULL,
			delta BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[2]s_identity_idx
			ON %[2]s (identity_kind, identity_value, created_at DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			identity_kind TEXT NOT NULL,
			identity_value TEXT NOT NULL,
			feature TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			byok BOOLEAN NOT NULL DEFAULT false,
			cost_micros BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_provider_idx
			ON %[3]s (provider, created_at) WHERE NOT byok;
		CREATE INDEX IF NOT EXISTS %[3]s_identity_idx
			ON %[3]s (identity_kind, identity_value, created_at);
		CREATE TABLE IF NOT EXISTS %[4]s (
			feature TEXT NOT NULL,
			plan TEXT NOT NULL,
			quota_limit BIGINT NOT NULL CHECK (quota_limit >= 0),
			quota_window TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (feature, plan)
		);
	`, s.balancesTable(), s.transactionsTable(), s.usageTable(), s.quotasTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotaguard/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "purchased" }

// Balance returns the balance; unknown identities have 0.
func (s *Store) Balance(ctx context.Context, id quotaguard.Identity) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE identity_kind = $1 AND identity_value = $2`, s.balancesTable()),
		string(id.Kind), id.Value,
	).Scan(&bal)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: balance: %w", err)
	}
	return bal, nil
}

// Debit removes amount with one conditional UPDATE.
func (s *Store) Debit(ctx context.Context, id quotaguard.Identity, amount int64) (quotaguard.DebitResult, error) {
	if amount <= 0 {
		return quotaguard.DebitResult{}, quotaguard.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	var bal int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance - $1, updated_at = $2
			WHERE identity_kind = $3 AND identity_value = $4 AND balance >= $1
			RETURNING balance`, s.balancesTable()),
		amount, now, string(id.Kind), id.Value,
	).Scan(&bal)

	if err == pgx.ErrNoRows {
		// Insufficient or unknown: report the current balance, change nothing.
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT balance FROM %s WHERE identity_kind = $1 AND identity_value = $2`, s.balancesTable()),
			string(id.Kind), id.Value,
		).Scan(&bal)
		if err != nil && err != pgx.ErrNoRows {
			return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/postgres: read balance: %w", err)
		}
		return quotaguard.DebitResult{Granted: false, NewBalance: bal}, nil
	}
	if err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/postgres: debit: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, id, -amount, bal, "debit", now); err != nil {
		return quotaguard.DebitResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/postgres: commit: %w", err)
	}
	return quotaguard.DebitResult{Granted: true, NewBalance: bal, Source: s.Name()}, nil
}

// Credit adds amount, creating the balance row if needed.
func (s *Store) Credit(ctx context.Context, id quotaguard.Identity, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, quotaguard.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	var bal int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s AS b (identity_kind, identity_value, balance, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identity_kind, identity_value)
			DO UPDATE SET balance = b.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			RETURNING balance`, s.balancesTable()),
		string(id.Kind), id.Value, amount, now,
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: credit: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, id, amount, bal, reason, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: commit: %w", err)
	}
	return bal, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx pgx.Tx, id quotaguard.Identity, delta, after int64, reason string, now time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity_kind, identity_value, delta, balance_after, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.transactionsTable()),
		uuid.New().String(), string(id.Kind), id.Value, delta, after, reason, now,
	)
	if err != nil {
		return fmt.Errorf("quotaguard/postgres: audit: %w", err)
	}
	return nil
}

// Transactions returns the newest audit entries of id first.
func (s *Store) Transactions(ctx context.Context, id quotaguard.Identity, limit int) ([]quotaguard.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, delta, balance_after, reason, created_at FROM %s
			WHERE identity_kind = $1 AND identity_value = $2
			ORDER BY created_at DESC LIMIT $3`, s.transactionsTable()),
		string(id.Kind), id.Value, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: transactions: %w", err)
	}
	defer rows.Close()

	var out []quotaguard.CreditTransaction
	for rows.Next() {
		tx := quotaguard.CreditTransaction{Identity: id}
		if err := rows.Scan(&tx.ID, &tx.Delta, &tx.BalanceAfter, &tx.Reason, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("quotaguard/postgres: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: transactions: %w", err)
	}
	return out, nil
}
