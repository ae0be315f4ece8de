/*
debit.go - Expiration-aware debit engine

PURPOSE:
  Chooses which Add entries pay for a deduction so that points closest to
  expiry are spent first, regardless of when they were earned.

ALGORITHM:
  1. Take every unprocessed Add entry of the user
  2. Skip entries with no usable expiry (integrity warning), entries already
     expired (left for ExpireBatch) and entries with a non-positive amount
  3. Sort by ExpiresAt ascending (ties: CreatedAt, then ID)
  4. Fail with InsufficientBalance if the total is short (nothing written)
  5. Walk the list: consume entries whole until one covers more than is
     left, then split that one into processed original + remainder that
     keeps the original CreatedAt and ExpiresAt
  6. Write one Deduct entry for the full amount and decrement the balance

  Steps 1-6 run in one store transaction. The returned RollbackInfo lists
  every entry touched so the debit can be reversed exactly.

SEE ALSO:
  - rollback.go: Reverses a debit from its RollbackInfo
  - purchase/coordinator.go: Debit + external side effect
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultDebitAction tags Deduct entries when the caller gives no action key.
const DefaultDebitAction = "purchase"

// =============================================================================
// PLAN - Pure selection of entries to consume
// =============================================================================

type Plan struct {
	Required  int64
	Available int64
	Consumed  []Entry // consumed whole
	Split     *Split  // at most one entry is split
	Skipped   []SkippedEntry
}

type Split struct {
	Entry     Entry
	Used      int64
	Remainder int64
}

type SkipReason string

const (
	SkipMissingExpiry     SkipReason = "missing_expiry"
	SkipExpired           SkipReason = "expired"
	SkipNonPositiveAmount SkipReason = "non_positive_amount"
)

type SkippedEntry struct {
	Entry  Entry
	Reason SkipReason
}

// PlanConsumption selects the entries that pay for required points at now.
// It does not touch any store.
func PlanConsumption(entries []Entry, required int64, now time.Time) (Plan, error) {
	if required <= 0 {
		return Plan{}, invalid("amount", fmt.Sprintf("must be positive, got %d", required))
	}

	candidates, skipped := selectEntries(entries, now, false)
	available := sumAmounts(candidates)
	if available < required {
		var userID UserID
		if len(entries) > 0 {
			userID = entries[0].UserID
		}
		return Plan{Required: required, Available: available, Skipped: skipped},
			&InsufficientBalanceError{UserID: userID, Available: available, Requested: required}
	}

	plan := walk(candidates, required)
	plan.Skipped = skipped
	return plan, nil
}

// selectEntries filters and orders spendable Add entries. Undated entries
// are appended after dated ones when includeUndated is set, otherwise they
// are reported as skipped.
func selectEntries(entries []Entry, now time.Time, includeUndated bool) ([]Entry, []SkippedEntry) {
	var dated, undated []Entry
	var skipped []SkippedEntry

	for _, e := range entries {
		if !e.IsAdd() || e.IsProcessed {
			continue
		}
		switch {
		case e.Amount <= 0:
			skipped = append(skipped, SkippedEntry{Entry: e, Reason: SkipNonPositiveAmount})
		case e.ExpiresAt == nil || e.ExpiresAt.IsZero():
			if includeUndated {
				undated = append(undated, e)
			} else {
				skipped = append(skipped, SkippedEntry{Entry: e, Reason: SkipMissingExpiry})
			}
		case !e.ExpiresAt.After(now):
			skipped = append(skipped, SkippedEntry{Entry: e, Reason: SkipExpired})
		default:
			dated = append(dated, e)
		}
	}

	sort.SliceStable(dated, func(i, j int) bool {
		a, b := dated[i], dated[j]
		if !a.ExpiresAt.Equal(*b.ExpiresAt) {
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(undated, func(i, j int) bool {
		if !undated[i].CreatedAt.Equal(undated[j].CreatedAt) {
			return undated[i].CreatedAt.Before(undated[j].CreatedAt)
		}
		return undated[i].ID < undated[j].ID
	})

	return append(dated, undated...), skipped
}

// walk consumes ordered candidates until required is covered. The caller
// guarantees the candidates sum to at least required.
func walk(candidates []Entry, required int64) Plan {
	plan := Plan{Required: required, Available: sumAmounts(candidates)}
	remaining := required
	for _, e := range candidates {
		if remaining == 0 {
			break
		}
		if e.Amount <= remaining {
			plan.Consumed = append(plan.Consumed, e)
			remaining -= e.Amount
			continue
		}
		plan.Split = &Split{Entry: e, Used: remaining, Remainder: e.Amount - remaining}
		remaining = 0
	}
	return plan
}

func sumAmounts(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// applyPlan writes a plan and its Deduct entry inside tx.
func (l *Ledger) applyPlan(ctx context.Context, tx Tx, plan Plan, deduct Entry) (RollbackInfo, int64, error) {
	info := RollbackInfo{UserID: deduct.UserID, Amount: deduct.Amount, DeductID: deduct.ID}

	processed := make([]EntryID, 0, len(plan.Consumed)+1)
	for _, e := range plan.Consumed {
		processed = append(processed, e.ID)
	}
	if plan.Split != nil {
		processed = append(processed, plan.Split.Entry.ID)
	}
	if len(processed) > 0 {
		if err := tx.SetProcessed(ctx, deduct.UserID, processed, true, deduct.ID); err != nil {
			return RollbackInfo{}, 0, err
		}
		info.ProcessedIDs = processed
	}

	if plan.Split != nil {
		orig := plan.Split.Entry
		remainder := Entry{
			ID:         l.newID(),
			UserID:     orig.UserID,
			ChangeType: ChangeAdd,
			Amount:     plan.Split.Remainder,
			ActionKey:  orig.ActionKey,
			Reason:     orig.Reason,
			CreatedAt:  orig.CreatedAt,
			SplitFrom:  orig.ID,
			SplitBy:    deduct.ID,
		}
		if orig.ExpiresAt != nil {
			exp := *orig.ExpiresAt
			remainder.ExpiresAt = &exp
		}
		if err := tx.InsertEntry(ctx, remainder); err != nil {
			return RollbackInfo{}, 0, err
		}
		info.CreatedIDs = []EntryID{remainder.ID}
	}

	if err := tx.InsertEntry(ctx, deduct); err != nil {
		return RollbackInfo{}, 0, err
	}

	balance, err := tx.AdjustBalance(ctx, deduct.UserID, -deduct.Amount, deduct.CreatedAt)
	if err != nil {
		return RollbackInfo{}, 0, err
	}
	return info, balance, nil
}

// =============================================================================
// DEBIT
// =============================================================================

type DebitRequest struct {
	UserID         UserID
	Amount         int64
	ActionKey      string
	Reason         string
	IdempotencyKey string
}

type DebitResult struct {
	DeductID EntryID
	Balance  int64
	Rollback RollbackInfo
	Plan     Plan
}

func (r DebitRequest) validate() error {
	if r.UserID == "" {
		return invalid("user_id", "required")
	}
	if r.Amount <= 0 {
		return invalid("amount", fmt.Sprintf("must be positive, got %d", r.Amount))
	}
	return nil
}

// Debit spends points oldest-expiry first in one transaction.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := req.validate(); err != nil {
		return DebitResult{}, err
	}
	var result DebitResult
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = l.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return DebitResult{}, err
	}
	return result, nil
}

// DebitTx spends points inside an existing transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx Tx, req DebitRequest) (DebitResult, error) {
	if err := req.validate(); err != nil {
		return DebitResult{}, err
	}
	if req.ActionKey == "" {
		req.ActionKey = DefaultDebitAction
	}

	if req.IdempotencyKey != "" {
		_, found, err := tx.EntryByKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return DebitResult{}, err
		}
		if found {
			return DebitResult{}, ErrDuplicateOperation
		}
	}

	now := l.now()
	adds, err := tx.UnprocessedAdds(ctx, req.UserID)
	if err != nil {
		return DebitResult{}, err
	}

	plan, err := PlanConsumption(adds, req.Amount, now)
	for _, s := range plan.Skipped {
		l.log().Warn("entry skipped during debit",
			"user_id", req.UserID, "entry_id", s.Entry.ID, "reason", s.Reason, "amount", s.Entry.Amount)
	}
	if err != nil {
		var short *InsufficientBalanceError
		if errors.As(err, &short) {
			short.UserID = req.UserID
		}
		return DebitResult{}, err
	}

	bal, err := tx.Balance(ctx, req.UserID)
	if err != nil {
		return DebitResult{}, err
	}
	if bal.Rewards < req.Amount {
		l.log().Warn("stored balance below spendable entries",
			"user_id", req.UserID, "balance", bal.Rewards, "spendable", plan.Available)
		return DebitResult{}, &InsufficientBalanceError{UserID: req.UserID, Available: bal.Rewards, Requested: req.Amount}
	}

	deduct := Entry{
		ID:             l.newID(),
		UserID:         req.UserID,
		ChangeType:     ChangeDeduct,
		Amount:         req.Amount,
		ActionKey:      req.ActionKey,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		IsProcessed:    true,
	}
	info, balance, err := l.applyPlan(ctx, tx, plan, deduct)
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit: %w", err)
	}

	return DebitResult{DeductID: deduct.ID, Balance: balance, Rollback: info, Plan: plan}, nil
}
