/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the durable ledger (entries, balances, daily counters) and the
  pending-operation queue using SQLite. The same schema ports to PostgreSQL
  with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store: Entries, balances, daily counters (transactional)
  retry.Store:  Pending-operation queue

MUTATION RULES:
  - entries: rows are inserted; is_processed/consumed_by are the only
    updated columns; rows are deleted only by a compensating rollback
  - balances: changed only inside the transaction that writes the entries
    justifying the change; CHECK (rewards >= 0)
  - pending_operations: status moves by compare-and-set on the current
    status (claim, release); finish also matches the claim token

KEY TABLES:
  entries:            Add/Deduct records per user
  balances:           Materialized reward total per user
  daily_counters:     (user, date, action) -> grants that day
  pending_operations: Grants waiting for replay

INDEXES:
  - idx_entries_user_key: UNIQUE (user_id, idempotency_key), exactly-once grants
  - idx_entries_expiry: Expiration scan (hot path for the expiry job)
  - idx_pending_active: UNIQUE (user, action, target) among pending/processing
  - idx_pending_due: Retry scheduler scan

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) and a sync.RWMutex. Every statement
  issued inside WithTx goes through the *sql.Tx; calling back into the
  Store from inside fn would wait on the same connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block the
  single writer and crash recovery is better.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      return err
  }
  defer store.Close()

  l := ledger.New(store)
  q := retry.NewQueue(store)

SEE ALSO:
  - ledger/store.go: Store / Tx interfaces
  - retry/types.go: retry.Store interface
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

	"github.com/mattn/go-sqlite3"

	"github.com/warp/reward-ledger/ledger"
)

// schemaVersion is written to PRAGMA user_version after migrating.
const schemaVersion = 2

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store and retry.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		change_type TEXT NOT NULL CHECK (change_type IN ('add', 'deduct')),
		amount INTEGER NOT NULL,
		action_key TEXT NOT NULL,
		reason TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		is_processed INTEGER NOT NULL DEFAULT 0,
		consumed_by TEXT,
		split_from TEXT,
		split_by TEXT
	);

	-- CRITICAL: exactly-once application per user and key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_user_key
		ON entries(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Debit candidates (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_unprocessed
		ON entries(user_id, change_type, is_processed);

	-- Expiration scan
	CREATE INDEX IF NOT EXISTS idx_entries_expiry
		ON entries(expires_at)
		WHERE change_type = 'add' AND is_processed = 0 AND expires_at IS NOT NULL;

	-- Crash recovery links
	CREATE INDEX IF NOT EXISTS idx_entries_consumed_by
		ON entries(user_id, consumed_by) WHERE consumed_by IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_split_by
		ON entries(user_id, split_by) WHERE split_by IS NOT NULL;

	-- Balances
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		rewards INTEGER NOT NULL CHECK (rewards >= 0),
		updated_at TEXT NOT NULL
	);

	-- Daily counters
	CREATE TABLE IF NOT EXISTS daily_counters (
		user_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		action_key TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, date_key, action_key)
	);

	-- Pending operations (retry queue)
	CREATE TABLE IF NOT EXISTS pending_operations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action_key TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		last_error TEXT,
		last_error_code TEXT,
		next_retry_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		claim_token TEXT
	);

	-- CRITICAL: one active operation per (user, action, target)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_active
		ON pending_operations(user_id, action_key, target_id)
		WHERE status IN ('pending', 'processing');

	CREATE INDEX IF NOT EXISTS idx_pending_due
		ON pending_operations(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_pending_user
		ON pending_operations(user_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// v2: claim_token on databases created before it existed
	var hasToken int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('pending_operations') WHERE name = 'claim_token'`).Scan(&hasToken); err != nil {
		return err
	}
	if hasToken == 0 {
		if _, err := s.db.Exec(`ALTER TABLE pending_operations ADD COLUMN claim_token TEXT`); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify marks busy/locked errors as transient.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
	}
	return err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notFound
	}
	return nil
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

const entryColumns = `id, user_id, change_type, amount, action_key, reason, idempotency_key,
	created_at, expires_at, is_processed, consumed_by, split_from, split_by`

func (s *Store) Entries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM entries WHERE user_id = ? ORDER BY created_at, seq`, userID)
}

func (s *Store) Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, userID)
}

func (s *Store) ExpiredEntries(ctx context.Context, now time.Time, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = -1
	}
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM entries
		WHERE change_type = 'add' AND is_processed = 0
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at, id
		LIMIT ?`, formatTime(now), limit)
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
		expiresAt      sql.NullString
		consumedBy     sql.NullString
		splitFrom      sql.NullString
		splitBy        sql.NullString
	)
	err := row.Scan(&e.ID, &e.UserID, &e.ChangeType, &e.Amount, &e.ActionKey, &reason, &idempotencyKey,
		&createdAt, &expiresAt, &e.IsProcessed, &consumedBy, &splitFrom, &splitBy)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("entry %s: bad created_at: %w", e.ID, err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return e, fmt.Errorf("entry %s: bad expires_at: %w", e.ID, err)
		}
		e.ExpiresAt = &t
	}
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	e.ConsumedBy = ledger.EntryID(consumedBy.String)
	e.SplitFrom = ledger.EntryID(splitFrom.String)
	e.SplitBy = ledger.EntryID(splitBy.String)
	return e, nil
}

func getBalance(ctx context.Context, q querier, userID ledger.UserID) (ledger.Balance, error) {
	b := ledger.Balance{UserID: userID}
	var updatedAt string
	err := q.QueryRowContext(ctx, `SELECT rewards, updated_at FROM balances WHERE user_id = ?`, userID).
		Scan(&b.Rewards, &updatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return b, classify(fmt.Errorf("failed to read balance: %w", err))
	}
	b.UpdatedAt, err = parseTime(updatedAt)
	return b, err
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.Tx interface)
// =============================================================================

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, ts.tx, userID)
}

func (ts *txStore) AdjustBalance(ctx context.Context, userID ledger.UserID, delta int64, at time.Time) (int64, error) {
	b, err := getBalance(ctx, ts.tx, userID)
	if err != nil {
		return 0, err
	}
	next := b.Rewards + delta
	if next < 0 {
		return 0, fmt.Errorf("%w: balance of %s would become %d", ledger.ErrInsufficientBalance, userID, next)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, rewards, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			rewards = excluded.rewards,
			updated_at = excluded.updated_at
	`, userID, next, formatTime(at))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to update balance: %w", err))
	}
	return next, nil
}

func (ts *txStore) Entry(ctx context.Context, userID ledger.UserID, id ledger.EntryID) (ledger.Entry, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return e, err
}

func (ts *txStore) EntryByKey(ctx context.Context, userID ledger.UserID, key string) (ledger.Entry, bool, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.Entry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, user_id, change_type, amount, action_key, reason, idempotency_key,
		 created_at, expires_at, is_processed, consumed_by, split_from, split_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.UserID,
		e.ChangeType,
		e.Amount,
		e.ActionKey,
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
		nullTime(e.ExpiresAt),
		e.IsProcessed,
		nullString(string(e.ConsumedBy)),
		nullString(string(e.SplitFrom)),
		nullString(string(e.SplitBy)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateOperation
		}
		return classify(fmt.Errorf("failed to insert entry: %w", err))
	}
	return nil
}

func (ts *txStore) UnprocessedAdds(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? AND change_type = 'add' AND is_processed = 0
		ORDER BY created_at, seq`, userID)
}

func (ts *txStore) SetProcessed(ctx context.Context, userID ledger.UserID, ids []ledger.EntryID, processed bool, consumedBy ledger.EntryID) error {
	by := nullString(string(consumedBy))
	if !processed {
		by = sql.NullString{}
	}
	for _, id := range ids {
		res, err := ts.tx.ExecContext(ctx,
			`UPDATE entries SET is_processed = ?, consumed_by = ? WHERE user_id = ? AND id = ?`,
			processed, by, userID, id)
		if err != nil {
			return classify(fmt.Errorf("failed to update entry %s: %w", id, err))
		}
		if err := expectOne(res, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) DeleteEntries(ctx context.Context, userID ledger.UserID, ids []ledger.EntryID) error {
	for _, id := range ids {
		res, err := ts.tx.ExecContext(ctx, `DELETE FROM entries WHERE user_id = ? AND id = ?`, userID, id)
		if err != nil {
			return classify(fmt.Errorf("failed to delete entry %s: %w", id, err))
		}
		if err := expectOne(res, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) EntriesConsumedBy(ctx context.Context, userID ledger.UserID, deductID ledger.EntryID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? AND change_type = 'add' AND is_processed = 1 AND consumed_by = ?
		ORDER BY created_at, seq`, userID, deductID)
}

func (ts *txStore) EntriesSplitBy(ctx context.Context, userID ledger.UserID, deductID ledger.EntryID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? AND split_by = ?
		ORDER BY created_at, seq`, userID, deductID)
}

func (ts *txStore) DailyCount(ctx context.Context, key ledger.DailyKey) (int, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT count FROM daily_counters WHERE user_id = ? AND date_key = ? AND action_key = ?`,
		key.UserID, key.DateKey, key.ActionKey).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("failed to read daily counter: %w", err))
	}
	return n, nil
}

func (ts *txStore) IncrementDaily(ctx context.Context, key ledger.DailyKey) (int, error) {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO daily_counters (user_id, date_key, action_key, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, date_key, action_key) DO UPDATE SET count = count + 1
	`, key.UserID, key.DateKey, key.ActionKey)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to increment daily counter: %w", err))
	}
	return ts.DailyCount(ctx, key)
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*txStore)(nil)
)
