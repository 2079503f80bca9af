// Package sqlite provides SQLite-backed stores for quotaguard, for
// single-node deployments that want durability without a database server.
//
// The pool is limited to one connection, so every statement runs serially
// and a conditional UPDATE is enough to make debits atomic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ineyio/quotaguard"
)

// Store is a SQLite-backed ledger, usage log and quota store.
type Store struct {
	db          *sql.DB
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

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := New(db, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		tablePrefix: "quotaguard_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) balancesTable() string     { return s.tablePrefix + "credit_balances" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "credit_transactions" }
func (s *Store) usageTable() string        { return s.tablePrefix + "usage_records" }
func (s *Store) quotasTable() string       { return s.tablePrefix + "quota_configs" }

// EnsureSchema creates the required tables if they don't exist.
// Timestamps are stored as unix milliseconds.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		identity_kind TEXT NOT NULL,
		identity_value TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (identity_kind, identity_value)
	);
	CREATE TABLE IF NOT EXISTS %[2]s (
		id TEXT PRIMARY KEY,
		identity_kind TEXT NOT NULL,
		identity_value TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[2]s_identity_idx ON %[2]s (identity_kind, identity_value, created_at);
	CREATE TABLE IF NOT EXISTS %[3]s (
		id TEXT PRIMARY KEY,
		identity_kind TEXT NOT NULL,
		identity_value TEXT NOT NULL,
		feature TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		byok INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[3]s_provider_idx ON %[3]s (provider, created_at);
	CREATE INDEX IF NOT EXISTS %[3]s_identity_idx ON %[3]s (identity_kind, identity_value, created_at);
	CREATE TABLE IF NOT EXISTS %[4]s (
		feature TEXT NOT NULL,
		plan TEXT NOT NULL,
		quota_limit INTEGER NOT NULL CHECK (quota_limit >= 0),
		quota_window TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (feature, plan)
	);
	`, s.balancesTable(), s.transactionsTable(), s.usageTable(), s.quotasTable())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("quotaguard/sqlite: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "purchased" }

// Balance returns the balance; unknown identities have 0.
func (s *Store) Balance(ctx context.Context, id quotaguard.Identity) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE identity_kind = ? AND identity_value = ?`, s.balancesTable()),
		string(id.Kind), id.Value,
	).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quotaguard/sqlite: balance: %w", err)
	}
	return bal, nil
}

// Debit removes amount with one conditional UPDATE.
func (s *Store) Debit(ctx context.Context, id quotaguard.Identity, amount int64) (quotaguard.DebitResult, error) {
	if amount <= 0 {
		return quotaguard.DebitResult{}, quotaguard.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var bal int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance - ?, updated_at = ?
			WHERE identity_kind = ? AND identity_value = ? AND balance >= ?
			RETURNING balance`, s.balancesTable()),
		amount, now.UnixMilli(), string(id.Kind), id.Value, amount,
	).Scan(&bal)

	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT balance FROM %s WHERE identity_kind = ? AND identity_value = ?`, s.balancesTable()),
			string(id.Kind), id.Value,
		).Scan(&bal)
		if err != nil && err != sql.ErrNoRows {
			return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/sqlite: read balance: %w", err)
		}
		return quotaguard.DebitResult{Granted: false, NewBalance: bal}, nil
	}
	if err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/sqlite: debit: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, id, -amount, bal, "debit", now); err != nil {
		return quotaguard.DebitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return quotaguard.DebitResult{}, fmt.Errorf("quotaguard/sqlite: commit: %w", err)
	}
	return quotaguard.DebitResult{Granted: true, NewBalance: bal, Source: s.Name()}, nil
}

// Credit adds amount, creating the balance row if needed.
func (s *Store) Credit(ctx context.Context, id quotaguard.Identity, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, quotaguard.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var bal int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity_kind, identity_value, balance, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (identity_kind, identity_value)
			DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at
			RETURNING balance`, s.balancesTable()),
		string(id.Kind), id.Value, amount, now.UnixMilli(),
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/sqlite: credit: %w", err)
	}

	if err := s.insertTransaction(ctx, tx, id, amount, bal, reason, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("quotaguard/sqlite: commit: %w", err)
	}
	return bal, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx *sql.Tx, id quotaguard.Identity, delta, after int64, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity_kind, identity_value, delta, balance_after, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, s.transactionsTable()),
		uuid.New().String(), string(id.Kind), id.Value, delta, after, reason, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("quotaguard/sqlite: audit: %w", err)
	}
	return nil
}

// Transactions returns the newest audit entries of id first.
func (s *Store) Transactions(ctx context.Context, id quotaguard.Identity, limit int) ([]quotaguard.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, delta, balance_after, reason, created_at FROM %s
			WHERE identity_kind = ? AND identity_value = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?`, s.transactionsTable()),
		string(id.Kind), id.Value, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/sqlite: transactions: %w", err)
	}
	defer rows.Close()

	var out []quotaguard.CreditTransaction
	for rows.Next() {
		tx := quotaguard.CreditTransaction{Identity: id}
		var created int64
		if err := rows.Scan(&tx.ID, &tx.Delta, &tx.BalanceAfter, &tx.Reason, &created); err != nil {
			return nil, fmt.Errorf("quotaguard/sqlite: scan transaction: %w", err)
		}
		tx.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaguard/sqlite: transactions: %w", err)
	}
	return out, nil
}
