/*
Package sqlstore provides a SQL-backed implementation of ledger.TxStore.

PURPOSE:
  Persists users, referral edges, payment orders, purchases, earning
  records and withdrawal requests. One implementation serves SQLite (mattn/go-sqlite3) and
  PostgreSQL (jackc/pgx/v5/stdlib); queries are written with '?' and
  rebound through sqlx for the active driver.

APPEND-ONLY ENFORCEMENT:
  - purchases: INSERT only
  - earnings:  INSERT, plus the single UPDATE pending -> paid
  - referral_edges: INSERT only, child_id is the primary key

KEY TABLES:
  users:          affiliate accounts, referral_code UNIQUE
  referral_edges: child -> parent, at most one parent per child
  payment_orders: checkouts awaiting the payment rail
  purchases:      immutable package sales
  earnings:       commission records, UNIQUE(source_purchase_id, kind)
  withdrawals:    payout requests and their settlement bookkeeping

MONEY:
  Amounts are stored as TEXT (SQLite) or NUMERIC (PostgreSQL) and scanned
  straight into decimal.Decimal. Nothing passes through float64.

CONCURRENCY:
  SQLite runs with a single connection, so transactions are serialized by
  the driver. PostgreSQL transactions take pg_advisory_xact_lock for every
  user they touch (see LockUser), which also serializes writers running in
  other processes.

USAGE:
  st, err := sqlstore.Open(ctx, "sqlite3", "./data/ledger.db")
  if err != nil {
      return err
  }
  defer st.Close()
  l := ledger.New(st, logger)

MIGRATION:
  Schema is auto-migrated on Open().

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/affiliate-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store implements ledger.TxStore on top of sqlx.
type Store struct {
	*queries
	db *sqlx.DB
}

// Open connects to the database and migrates the schema.
// Use driver "sqlite3" with dsn ":memory:" for an in-memory database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	s := &Store{queries: &queries{ext: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	var view ledger.Store = &queries{ext: tx}
	if s.db.DriverName() == DriverPostgres {
		view = &pgTx{queries: &queries{ext: tx}}
	}

	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pgTx is a PostgreSQL transaction view that supports advisory user locks.
type pgTx struct {
	*queries
}

// LockUser takes a transaction-scoped advisory lock keyed by the user id.
func (t *pgTx) LockUser(ctx context.Context, id ledger.UserID) error {
	_, err := t.ext.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(id))
	return err
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate(ctx context.Context) error {
	ts, money := "TIMESTAMP", "TEXT"
	if s.db.DriverName() == DriverPostgres {
		ts, money = "TIMESTAMPTZ", "NUMERIC(20,2)"
	}
	schema := strings.NewReplacer("{{TS}}", ts, "{{MONEY}}", money).Replace(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		referrer_id TEXT,
		package TEXT NOT NULL DEFAULT 'none',
		referral_code TEXT NOT NULL UNIQUE,
		total_earnings {{MONEY}} NOT NULL DEFAULT '0',
		role TEXT NOT NULL DEFAULT 'user',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{TS}} NOT NULL
	);

	-- Referral forest: one parent per child
	CREATE TABLE IF NOT EXISTS referral_edges (
		child_id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referral_edges_parent
		ON referral_edges(parent_id);

	-- Payment orders (created -> paid | failed)
	CREATE TABLE IF NOT EXISTS payment_orders (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		package TEXT NOT NULL,
		amount {{MONEY}} NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',
		purchase_id TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL,
		settled_at {{TS}},
		settled_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payment_orders_buyer
		ON payment_orders(buyer_id, created_at DESC);

	-- Purchases (immutable)
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		package TEXT NOT NULL,
		amount {{MONEY}} NOT NULL,
		created_at {{TS}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_buyer
		ON purchases(buyer_id, created_at DESC);

	-- Earnings (append-only, status pending -> paid)
	CREATE TABLE IF NOT EXISTS earnings (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		source_purchase_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		gross_amount {{MONEY}} NOT NULL,
		commission_rate TEXT NOT NULL,
		commission_amount {{MONEY}} NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at {{TS}} NOT NULL,
		paid_at {{TS}}
	);

	-- CRITICAL: a purchase settles once per commission kind
	CREATE UNIQUE INDEX IF NOT EXISTS idx_earnings_purchase_kind
		ON earnings(source_purchase_id, kind);

	CREATE INDEX IF NOT EXISTS idx_earnings_beneficiary
		ON earnings(beneficiary_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_earnings_status
		ON earnings(status);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount {{MONEY}} NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at {{TS}} NOT NULL,
		decided_at {{TS}},
		decided_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		processing_since {{TS}},
		completed_at {{TS}},
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		payout_reference TEXT NOT NULL DEFAULT '',
		stuck BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawals(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawals(status, processing_since);
	`)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ERRORS
// =============================================================================

// mapErr translates driver errors into ledger sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", ledger.ErrDuplicateKey, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}
