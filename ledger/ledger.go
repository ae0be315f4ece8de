/*
ledger.go - Idempotent grant/deduct primitives

PURPOSE:
  The Ledger is the only writer of entries and balances. It wraps a Store
  and guarantees that each primitive runs as a single store transaction.

CRITICAL INVARIANTS:
  1. ATOMIC: entry writes and the balance change they imply commit together
  2. IDEMPOTENT: a repeated IdempotencyKey returns Applied=false, no mutation
  3. NON-NEGATIVE: a deduction never drives the balance below zero
  4. CONSISTENT: Balance == sum of unprocessed Add amounts

COMPOSITION:
  AppendAddTx / AppendDeductTx / DebitTx take an open Tx so callers can put
  extra writes (e.g. daily counters) in the same transaction:

    err := l.Store.WithTx(ctx, func(tx ledger.Tx) error {
        n, err := tx.IncrementDaily(ctx, key)
        ...
        _, err = l.AppendAddTx(ctx, tx, req)
        return err
    })

SEE ALSO:
  - debit.go:  Debit engine (FIFO by expiry)
  - rollback.go: Compensating transactions
  - expire.go: Scheduled reclamation of expired points
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger executes balance-changing operations against a Store.
type Ledger struct {
	Store     Store
	Clock     Clock
	Retention time.Duration
	Logger    *slog.Logger
	NewID     func() EntryID
}

// New creates a ledger with a system clock and the default retention window.
func New(store Store) *Ledger {
	return &Ledger{
		Store:     store,
		Clock:     SystemClock{},
		Retention: DefaultRetention,
	}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

func (l *Ledger) retention() time.Duration {
	if l.Retention <= 0 {
		return DefaultRetention
	}
	return l.Retention
}

func (l *Ledger) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("component", "ledger")
	}
	return l.Logger
}

func (l *Ledger) newID() EntryID {
	if l.NewID != nil {
		return l.NewID()
	}
	return EntryID(uuid.NewString())
}

// ExpiryFor returns the expiry for points earned at occurredAt.
func (l *Ledger) ExpiryFor(occurredAt time.Time) time.Time {
	return occurredAt.Add(l.retention())
}

// =============================================================================
// APPEND ADD
// =============================================================================

type AddRequest struct {
	UserID         UserID
	Amount         int64
	ActionKey      string
	Reason         string
	IdempotencyKey string
	OccurredAt     time.Time  // zero = now; base for the default expiry
	ExpiresAt      *time.Time // overrides the default expiry
}

type AppendResult struct {
	Applied bool
	EntryID EntryID
	Balance int64
}

func (r AddRequest) validate() error {
	if r.UserID == "" {
		return invalid("user_id", "required")
	}
	if r.Amount <= 0 {
		return invalid("amount", fmt.Sprintf("must be positive, got %d", r.Amount))
	}
	if r.ActionKey == "" {
		return invalid("action_key", "required")
	}
	return nil
}

// AppendAdd credits points in its own transaction.
func (l *Ledger) AppendAdd(ctx context.Context, req AddRequest) (AppendResult, error) {
	if err := req.validate(); err != nil {
		return AppendResult{}, err
	}
	var result AppendResult
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = l.AppendAddTx(ctx, tx, req)
		return err
	})
	return result, err
}

// AppendAddTx credits points inside an existing transaction.
func (l *Ledger) AppendAddTx(ctx context.Context, tx Tx, req AddRequest) (AppendResult, error) {
	if err := req.validate(); err != nil {
		return AppendResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, found, err := tx.EntryByKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return AppendResult{}, err
		}
		if found {
			bal, err := tx.Balance(ctx, req.UserID)
			if err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Applied: false, EntryID: existing.ID, Balance: bal.Rewards}, nil
		}
	}

	now := l.now()
	base := req.OccurredAt
	if base.IsZero() {
		base = now
	}
	expires := l.ExpiryFor(base)
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}

	entry := Entry{
		ID:             l.newID(),
		UserID:         req.UserID,
		ChangeType:     ChangeAdd,
		Amount:         req.Amount,
		ActionKey:      req.ActionKey,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      &expires,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return AppendResult{}, fmt.Errorf("append add: %w", err)
	}

	balance, err := tx.AdjustBalance(ctx, req.UserID, req.Amount, now)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append add: %w", err)
	}

	return AppendResult{Applied: true, EntryID: entry.ID, Balance: balance}, nil
}

// =============================================================================
// APPEND DEDUCT
// =============================================================================

type DeductRequest struct {
	UserID         UserID
	Amount         int64
	ActionKey      string
	Reason         string
	IdempotencyKey string
}

type DeductResult struct {
	Applied  bool
	Deducted int64
	DeductID EntryID
	Balance  int64
}

func (r DeductRequest) validate() error {
	if r.UserID == "" {
		return invalid("user_id", "required")
	}
	if r.Amount <= 0 {
		return invalid("amount", fmt.Sprintf("must be positive, got %d", r.Amount))
	}
	if r.ActionKey == "" {
		return invalid("action_key", "required")
	}
	return nil
}

// AppendDeduct removes up to req.Amount points in its own transaction.
func (l *Ledger) AppendDeduct(ctx context.Context, req DeductRequest) (DeductResult, error) {
	if err := req.validate(); err != nil {
		return DeductResult{}, err
	}
	var result DeductResult
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = l.AppendDeductTx(ctx, tx, req)
		return err
	})
	return result, err
}

// AppendDeductTx removes up to req.Amount points inside an existing
// transaction. The amount is clamped to the stored balance and to what the
// unprocessed Add entries can cover; when nothing is available no entry is
// written and Applied is false.
func (l *Ledger) AppendDeductTx(ctx context.Context, tx Tx, req DeductRequest) (DeductResult, error) {
	if err := req.validate(); err != nil {
		return DeductResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, found, err := tx.EntryByKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return DeductResult{}, err
		}
		if found {
			bal, err := tx.Balance(ctx, req.UserID)
			if err != nil {
				return DeductResult{}, err
			}
			return DeductResult{Applied: false, DeductID: existing.ID, Balance: bal.Rewards}, nil
		}
	}

	bal, err := tx.Balance(ctx, req.UserID)
	if err != nil {
		return DeductResult{}, err
	}
	adds, err := tx.UnprocessedAdds(ctx, req.UserID)
	if err != nil {
		return DeductResult{}, err
	}

	now := l.now()
	amount := min(req.Amount, bal.Rewards)
	candidates, _ := selectEntries(adds, now, true)
	amount = min(amount, sumAmounts(candidates))
	if amount <= 0 {
		return DeductResult{Applied: false, Balance: bal.Rewards}, nil
	}

	plan := walk(candidates, amount)
	deduct := Entry{
		ID:             l.newID(),
		UserID:         req.UserID,
		ChangeType:     ChangeDeduct,
		Amount:         amount,
		ActionKey:      req.ActionKey,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		IsProcessed:    true,
	}
	info, balance, err := l.applyPlan(ctx, tx, plan, deduct)
	if err != nil {
		return DeductResult{}, fmt.Errorf("append deduct: %w", err)
	}

	return DeductResult{Applied: true, Deducted: amount, DeductID: info.DeductID, Balance: balance}, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the materialized balance for a user.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID == "" {
		return Balance{}, invalid("user_id", "required")
	}
	return l.Store.Balance(ctx, userID)
}

// History returns every entry for a user ordered by CreatedAt.
func (l *Ledger) History(ctx context.Context, userID UserID) ([]Entry, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	return l.Store.Entries(ctx, userID)
}

// Spendable returns the sum of non-expired, dated, unprocessed Add entries.
func (l *Ledger) Spendable(ctx context.Context, userID UserID) (int64, error) {
	entries, err := l.History(ctx, userID)
	if err != nil {
		return 0, err
	}
	candidates, _ := selectEntries(entries, l.now(), false)
	return sumAmounts(candidates), nil
}
