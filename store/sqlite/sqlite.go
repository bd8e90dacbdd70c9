/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Implements the ledger storage contract on SQLite. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

ATOMIC PRIMITIVES:
  The two contracts the ledger is built on map directly to SQL:
  - Guarded updates: UPDATE ... WHERE <guard>, checked via RowsAffected
  - WithTx: database/sql transactions with all-or-nothing commit

KEY TABLES:
  balances:     one row per owner key, credits column CHECK >= 0
  grants:       credit lots with remaining counters (refund provenance)
  transactions: append-only history; no UPDATE or DELETE statement exists
                for this table anywhere in the package

INDEXES:
  idx_grants_balance_fifo:          FIFO candidate selection (hot path)
  idx_transactions_purchase_source: store-level backstop for purchase
                                    idempotency on (balance, source_reference)

CONCURRENCY:
  A sync.RWMutex serializes writers alongside a single-connection pool.
  SQLite has one writer at a time anyway, and a single connection also keeps
  ":memory:" databases coherent (each connection would otherwise get its
  own). WAL mode keeps readers unblocked.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, ledger.TrackingGrants)

SEE ALSO:
  - ledger/store.go: Contract definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at dbPath. Use ":memory:" for an in-memory
// database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer, and per-connection :memory: databases stay coherent.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balances (one per owner key, soft state, never deleted)
	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		owner_key TEXT NOT NULL UNIQUE,
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Grants (credit lots; remaining only ever decreases or changes owner)
	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		balance_id TEXT NOT NULL REFERENCES balances(id),
		amount INTEGER NOT NULL,
		remaining INTEGER NOT NULL CHECK (remaining >= 0),
		description TEXT,
		source_reference TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_grants_balance_fifo
		ON grants(balance_id, created_at, id);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		balance_id TEXT NOT NULL,
		grant_id TEXT,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT,
		file_type TEXT,
		source_reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_balance
		ON transactions(balance_id);

	-- Backstop for purchase idempotency: at most one purchase per
	-- (balance, source_reference)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_purchase_source
		ON transactions(balance_id, source_reference)
		WHERE kind = 'purchase' AND source_reference IS NOT NULL AND source_reference <> '';
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so every statement helper
// runs unchanged inside and outside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) CreateBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBalance(ctx, s.db, b)
}

func (s *Store) createBalance(ctx context.Context, q dbtx, b ledger.Balance) (ledger.Balance, error) {
	// Insert-or-ignore keeps concurrent first-touch to a single row; the
	// follow-up select returns whichever insert won.
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (id, owner_key, credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_key) DO NOTHING
	`, b.ID, b.OwnerKey, b.Credits, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to create balance: %w", err)
	}
	return s.getBalanceByOwner(ctx, q, b.OwnerKey)
}

func (s *Store) GetBalance(ctx context.Context, id ledger.BalanceID) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBalance(ctx, s.db, id)
}

func (s *Store) getBalance(ctx context.Context, q dbtx, id ledger.BalanceID) (ledger.Balance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_key, credits, created_at, updated_at
		FROM balances WHERE id = ?
	`, id)
	return scanBalance(row)
}

func (s *Store) GetBalanceByOwner(ctx context.Context, owner ledger.OwnerKey) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBalanceByOwner(ctx, s.db, owner)
}

func (s *Store) getBalanceByOwner(ctx context.Context, q dbtx, owner ledger.OwnerKey) (ledger.Balance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_key, credits, created_at, updated_at
		FROM balances WHERE owner_key = ?
	`, owner)
	return scanBalance(row)
}

func scanBalance(row *sql.Row) (ledger.Balance, error) {
	var (
		b                    ledger.Balance
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.OwnerKey, &b.Credits, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to scan balance: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to scan balance: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to scan balance: %w", err)
	}
	return b, nil
}

func (s *Store) AddCredits(ctx context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCredits(ctx, s.db, id, amount, at)
}

func (s *Store) addCredits(ctx context.Context, q dbtx, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE balances SET credits = credits + ?, updated_at = ?
		WHERE id = ?
	`, amount, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to add credits: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SubtractCredits(ctx context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subtractCredits(ctx, s.db, id, amount, at)
}

func (s *Store) subtractCredits(ctx context.Context, q dbtx, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	// The guarded decrement: subtract only if credits >= amount.
	res, err := q.ExecContext(ctx, `
		UPDATE balances SET credits = credits - ?, updated_at = ?
		WHERE id = ? AND credits >= ?
	`, amount, formatTime(at), id, amount)
	if err != nil {
		return false, fmt.Errorf("failed to subtract credits: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// =============================================================================
// GRANTS
// =============================================================================

func (s *Store) InsertGrant(ctx context.Context, g ledger.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertGrant(ctx, s.db, g)
}

func (s *Store) insertGrant(ctx context.Context, q dbtx, g ledger.Grant) error {
	var expiresAt sql.NullString
	if g.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*g.ExpiresAt), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO grants (id, balance_id, amount, remaining, description, source_reference, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.BalanceID, g.Amount, g.Remaining, g.Description,
		nullString(g.SourceReference), formatTime(g.CreatedAt), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func (s *Store) OpenGrants(ctx context.Context, id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openGrants(ctx, s.db, id, now)
}

func (s *Store) openGrants(ctx context.Context, q dbtx, id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	return queryGrants(ctx, q, `
		SELECT id, balance_id, amount, remaining, description, source_reference, created_at, expires_at
		FROM grants
		WHERE balance_id = ? AND remaining > 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, id ASC
	`, id, formatTime(now))
}

func (s *Store) ListGrants(ctx context.Context, id ledger.BalanceID) ([]ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listGrants(ctx, s.db, id)
}

func (s *Store) listGrants(ctx context.Context, q dbtx, id ledger.BalanceID) ([]ledger.Grant, error) {
	return queryGrants(ctx, q, `
		SELECT id, balance_id, amount, remaining, description, source_reference, created_at, expires_at
		FROM grants
		WHERE balance_id = ?
		ORDER BY created_at ASC, id ASC
	`, id)
}

func queryGrants(ctx context.Context, q dbtx, query string, args ...any) ([]ledger.Grant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []ledger.Grant
	for rows.Next() {
		var (
			g               ledger.Grant
			desc, sourceRef sql.NullString
			createdAt       string
			expiresAt       sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.BalanceID, &g.Amount, &g.Remaining,
			&desc, &sourceRef, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.Description = desc.String
		g.SourceReference = sourceRef.String
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if expiresAt.Valid {
			t, err := parseTime(expiresAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to scan grant: %w", err)
			}
			g.ExpiresAt = &t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) TakeFromGrant(ctx context.Context, id ledger.GrantID, take int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFromGrant(ctx, s.db, id, take)
}

func (s *Store) takeFromGrant(ctx context.Context, q dbtx, id ledger.GrantID, take int64) (bool, error) {
	// Guarded lot decrement: zero rows matched means another consumer got
	// there first (grant race), which the service treats as fatal.
	res, err := q.ExecContext(ctx, `
		UPDATE grants SET remaining = remaining - ?
		WHERE id = ? AND remaining >= ?
	`, take, id, take)
	if err != nil {
		return false, fmt.Errorf("failed to take from grant: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ReassignOpenGrants(ctx context.Context, from, to ledger.BalanceID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reassignOpenGrants(ctx, s.db, from, to, now)
}

func (s *Store) reassignOpenGrants(ctx context.Context, q dbtx, from, to ledger.BalanceID, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE grants SET balance_id = ?
		WHERE balance_id = ? AND remaining > 0
		  AND (expires_at IS NULL OR expires_at > ?)
	`, to, from, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to reassign grants: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(ctx, s.db, tx)
}

func (s *Store) appendTransaction(ctx context.Context, q dbtx, tx ledger.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, balance_id, grant_id, kind, amount, description, file_type, source_reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.BalanceID, nullString(string(tx.GrantID)), tx.Kind, tx.Amount,
		tx.Description, nullString(tx.FileType), nullString(tx.SourceReference),
		formatTime(tx.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("purchase already recorded for source reference %q: %w", tx.SourceReference, err)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactions(ctx, s.db, id, limit)
}

func (s *Store) listTransactions(ctx context.Context, q dbtx, id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, balance_id, grant_id, kind, amount, description, file_type, source_reference, created_at
		FROM transactions
		WHERE balance_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) FindPurchase(ctx context.Context, id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPurchase(ctx, s.db, id, sourceRef)
}

func (s *Store) findPurchase(ctx context.Context, q dbtx, id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, balance_id, grant_id, kind, amount, description, file_type, source_reference, created_at
		FROM transactions
		WHERE balance_id = ? AND kind = 'purchase' AND source_reference = ?
		LIMIT 1
	`, id, sourceRef)
	if err != nil {
		return ledger.Transaction{}, false, fmt.Errorf("failed to query purchase: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return ledger.Transaction{}, false, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return tx, true, nil
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                           ledger.Transaction
		grantID, desc, fileType, ref sql.NullString
		createdAt                    string
	)
	err := rows.Scan(&tx.ID, &tx.BalanceID, &grantID, &tx.Kind, &tx.Amount,
		&desc, &fileType, &ref, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.GrantID = ledger.GrantID(grantID.String)
	tx.Description = desc.String
	tx.FileType = fileType.String
	tx.SourceReference = ref.String
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return tx, nil
}

// =============================================================================
// ATOMIC UNITS (ledger.Store WithTx)
// =============================================================================

// WithTx executes fn within a database transaction. The writer mutex is held
// for the whole unit, so guarded updates inside the unit observe a stable
// world.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs inside WithTx while the writer mutex is held, so it uses the
// unlocked statement helpers bound to the sql.Tx. Nested WithTx is not
// supported.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreateBalance(ctx context.Context, b ledger.Balance) (ledger.Balance, error) {
	return ts.parent.createBalance(ctx, ts.tx, b)
}

func (ts *txStore) GetBalance(ctx context.Context, id ledger.BalanceID) (ledger.Balance, error) {
	return ts.parent.getBalance(ctx, ts.tx, id)
}

func (ts *txStore) GetBalanceByOwner(ctx context.Context, owner ledger.OwnerKey) (ledger.Balance, error) {
	return ts.parent.getBalanceByOwner(ctx, ts.tx, owner)
}

func (ts *txStore) AddCredits(ctx context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	return ts.parent.addCredits(ctx, ts.tx, id, amount, at)
}

func (ts *txStore) SubtractCredits(ctx context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	return ts.parent.subtractCredits(ctx, ts.tx, id, amount, at)
}

func (ts *txStore) InsertGrant(ctx context.Context, g ledger.Grant) error {
	return ts.parent.insertGrant(ctx, ts.tx, g)
}

func (ts *txStore) OpenGrants(ctx context.Context, id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	return ts.parent.openGrants(ctx, ts.tx, id, now)
}

func (ts *txStore) ListGrants(ctx context.Context, id ledger.BalanceID) ([]ledger.Grant, error) {
	return ts.parent.listGrants(ctx, ts.tx, id)
}

func (ts *txStore) TakeFromGrant(ctx context.Context, id ledger.GrantID, take int64) (bool, error) {
	return ts.parent.takeFromGrant(ctx, ts.tx, id, take)
}

func (ts *txStore) ReassignOpenGrants(ctx context.Context, from, to ledger.BalanceID, now time.Time) (int, error) {
	return ts.parent.reassignOpenGrants(ctx, ts.tx, from, to, now)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return ts.parent.appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) ListTransactions(ctx context.Context, id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	return ts.parent.listTransactions(ctx, ts.tx, id, limit)
}

func (ts *txStore) FindPurchase(ctx context.Context, id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	return ts.parent.findPurchase(ctx, ts.tx, id, sourceRef)
}

func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// =============================================================================
// HELPERS
// =============================================================================

// Timestamps are stored as RFC3339 UTC so lexical order matches time order,
// which the FIFO index relies on. Sub-second precision is dropped; the grant
// id is the tiebreaker within a second.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
