/*
store.go - Persistence interface for entries, balances and daily counters

PURPOSE:
  Defines the boundary between ledger logic and the database. Every write
  happens through a Tx handed out by Store.WithTx, so an entry write and the
  balance change it implies always commit (or roll back) together.

MUTATION RULES:
  - Entries are inserted, flagged processed/unprocessed, or deleted. Deletes
    only happen when a compensating transaction removes entries written by
    the debit it reverses.
  - Balances are changed with AdjustBalance only. A negative result is
    rejected by the store.
  - Daily counters are read and incremented inside the owning transaction.

IDEMPOTENCY:
  InsertEntry rejects an IdempotencyKey already used by the same user with
  ErrDuplicateOperation. Callers normally check EntryByKey first so a
  duplicate is detected before anything else is written.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:  Durable SQLite store
  - ledger/store/memory.go:  In-memory store for tests and dev
*/
package ledger

import (
	"context"
	"time"
)

// Store handles durable ledger state.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Entries returns every entry for the user ordered by CreatedAt.
	Entries(ctx context.Context, userID UserID) ([]Entry, error)

	// Balance returns the materialized balance (zero value if none yet).
	Balance(ctx context.Context, userID UserID) (Balance, error)

	// ExpiredEntries returns up to limit unprocessed Add entries whose
	// ExpiresAt is at or before now, oldest expiry first.
	ExpiredEntries(ctx context.Context, now time.Time, limit int) ([]Entry, error)
}

// Tx is the transactional view used by every ledger mutation.
type Tx interface {
	Balance(ctx context.Context, userID UserID) (Balance, error)

	// AdjustBalance adds delta to the stored balance and returns the result.
	AdjustBalance(ctx context.Context, userID UserID, delta int64, at time.Time) (int64, error)

	Entry(ctx context.Context, userID UserID, id EntryID) (Entry, error)
	EntryByKey(ctx context.Context, userID UserID, idempotencyKey string) (Entry, bool, error)
	InsertEntry(ctx context.Context, e Entry) error

	// UnprocessedAdds returns every Add entry with IsProcessed=false.
	UnprocessedAdds(ctx context.Context, userID UserID) ([]Entry, error)

	// SetProcessed flips IsProcessed and sets ConsumedBy on the given entries.
	// consumedBy is cleared when processed is false.
	SetProcessed(ctx context.Context, userID UserID, ids []EntryID, processed bool, consumedBy EntryID) error

	DeleteEntries(ctx context.Context, userID UserID, ids []EntryID) error

	// EntriesConsumedBy and EntriesSplitBy follow the recovery links.
	EntriesConsumedBy(ctx context.Context, userID UserID, deductID EntryID) ([]Entry, error)
	EntriesSplitBy(ctx context.Context, userID UserID, deductID EntryID) ([]Entry, error)

	DailyCount(ctx context.Context, key DailyKey) (int, error)
	IncrementDaily(ctx context.Context, key DailyKey) (int, error)
}
