/*
Package ledger provides the reward point ledger: entries, balances and the
transactional primitives that move points in and out of a user's account.

PURPOSE:
  Every balance change for a user is recorded as an Entry. Add entries carry
  points in (with an expiry), Deduct entries carry points out. A materialized
  Balance is kept next to the entries and is only ever changed inside the
  same store transaction as the entry writes that justify it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:        One balance-changing record (Add or Deduct)
  - Balance:      Materialized current reward total per user
  - RollbackInfo: Exact description of what a debit touched
  - DailyKey:     Per-user, per-day, per-action counter key

CONSUMPTION MODEL:
  An Add entry is never edited in place. When part of it is spent, the
  original is marked processed and a new Add entry carries the remainder,
  keeping the original CreatedAt and ExpiresAt:

    before: A(10, exp=T+1)  B(10, exp=T+5)
    debit 15
    after:  A(10, processed) B(10, processed) B'(5, exp=T+5) D(15)

  Balance == sum(Add.Amount where !IsProcessed) at every quiescent point.

SEE ALSO:
  - store.go:  Store / Tx persistence interfaces
  - ledger.go: AppendAdd / AppendDeduct primitives
  - debit.go:  FIFO-by-expiry debit engine
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// =============================================================================
// ENTRY - One balance-changing record
// =============================================================================

type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeDeduct ChangeType = "deduct"
)

// ActionExpiration tags the Deduct entries written by ExpireBatch.
const ActionExpiration = "expiration"

type Entry struct {
	ID             EntryID
	UserID         UserID
	ChangeType     ChangeType
	Amount         int64
	ActionKey      string
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      *time.Time // Add only; nil never auto-expires
	IsProcessed    bool

	// Links used to rebuild a RollbackInfo after a crash.
	ConsumedBy EntryID // Deduct entry that consumed this Add
	SplitFrom  EntryID // original Add this remainder was cut from
	SplitBy    EntryID // Deduct entry whose partial spend created this remainder
}

// IsAdd reports whether the entry carries points in.
func (e Entry) IsAdd() bool { return e.ChangeType == ChangeAdd }

// Spendable reports whether an unprocessed Add entry may be consumed at now.
func (e Entry) Spendable(now time.Time) bool {
	if !e.IsAdd() || e.IsProcessed || e.Amount <= 0 {
		return false
	}
	if e.ExpiresAt == nil || e.ExpiresAt.IsZero() {
		return false
	}
	return e.ExpiresAt.After(now)
}

// Expired reports whether an unprocessed Add entry is due for reclamation.
func (e Entry) Expired(now time.Time) bool {
	if !e.IsAdd() || e.IsProcessed || e.ExpiresAt == nil || e.ExpiresAt.IsZero() {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	UserID    UserID
	Rewards   int64
	UpdatedAt time.Time
}

// =============================================================================
// DAILY COUNTER KEY
// =============================================================================

// DailyKey identifies one per-user per-day counter for a rate-limited action.
// DateKey is a calendar date ("2006-01-02") in the reference timezone.
type DailyKey struct {
	UserID    UserID
	DateKey   string
	ActionKey string
}

// =============================================================================
// ROLLBACK INFO - Exact replay data for a compensating transaction
// =============================================================================

// RollbackInfo records every entry a debit touched so the debit can be
// reversed exactly. It is never persisted.
type RollbackInfo struct {
	UserID       UserID
	Amount       int64
	ProcessedIDs []EntryID // flipped to processed, flip back
	CreatedIDs   []EntryID // remainder entries, delete
	DeductID     EntryID   // the Deduct entry, delete
}

// TouchedIDs returns every entry id referenced by the rollback info.
func (r RollbackInfo) TouchedIDs() []EntryID {
	ids := make([]EntryID, 0, len(r.ProcessedIDs)+len(r.CreatedIDs)+1)
	ids = append(ids, r.ProcessedIDs...)
	ids = append(ids, r.CreatedIDs...)
	if r.DeductID != "" {
		ids = append(ids, r.DeductID)
	}
	return ids
}
