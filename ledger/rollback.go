package ledger

import (
	"context"
	"fmt"
)

// Rollback reverses a debit exactly from its RollbackInfo in one transaction:
// consumed entries become unprocessed again, remainder entries and the Deduct
// entry are deleted, and the balance is restored.
//
// Rolling back the same info twice fails with ErrEntryNotFound because the
// Deduct entry is already gone. If a remainder was spent or expired after the
// debit, the rollback is refused with ErrRollbackConflict and nothing changes:
// deleting it would orphan the Deduct that consumed it.
func (l *Ledger) Rollback(ctx context.Context, info RollbackInfo) error {
	if info.UserID == "" || info.DeductID == "" {
		return invalid("rollback_info", "user id and deduct id are required")
	}
	if info.Amount <= 0 {
		return invalid("rollback_info", fmt.Sprintf("amount must be positive, got %d", info.Amount))
	}
	return l.Store.WithTx(ctx, func(tx Tx) error {
		return l.rollbackTx(ctx, tx, info)
	})
}

func (l *Ledger) rollbackTx(ctx context.Context, tx Tx, info RollbackInfo) error {
	deduct, err := tx.Entry(ctx, info.UserID, info.DeductID)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", info.DeductID, err)
	}
	if deduct.ChangeType != ChangeDeduct {
		return invalid("rollback_info", fmt.Sprintf("entry %s is not a deduction", info.DeductID))
	}

	for _, id := range info.CreatedIDs {
		rem, err := tx.Entry(ctx, info.UserID, id)
		if err != nil {
			return fmt.Errorf("rollback %s: remainder: %w", info.DeductID, err)
		}
		if rem.IsProcessed {
			return fmt.Errorf("%w: remainder %s already consumed by %s", ErrRollbackConflict, rem.ID, rem.ConsumedBy)
		}
	}

	if len(info.ProcessedIDs) > 0 {
		if err := tx.SetProcessed(ctx, info.UserID, info.ProcessedIDs, false, ""); err != nil {
			return fmt.Errorf("rollback %s: restore entries: %w", info.DeductID, err)
		}
	}
	if len(info.CreatedIDs) > 0 {
		if err := tx.DeleteEntries(ctx, info.UserID, info.CreatedIDs); err != nil {
			return fmt.Errorf("rollback %s: delete remainders: %w", info.DeductID, err)
		}
	}
	if err := tx.DeleteEntries(ctx, info.UserID, []EntryID{info.DeductID}); err != nil {
		return fmt.Errorf("rollback %s: delete deduction: %w", info.DeductID, err)
	}
	if _, err := tx.AdjustBalance(ctx, info.UserID, info.Amount, l.now()); err != nil {
		return fmt.Errorf("rollback %s: restore balance: %w", info.DeductID, err)
	}
	return nil
}

// RecoverDeduct reverses a deduction when its RollbackInfo was lost, e.g.
// after a process restart between the debit and the side effect. The info
// is rebuilt from the ConsumedBy/SplitBy links written by the debit.
// It refuses with ErrRollbackConflict when a remainder was spent since.
//
// This is a degraded path: every use is logged for audit.
func (l *Ledger) RecoverDeduct(ctx context.Context, userID UserID, deductID EntryID) (RollbackInfo, error) {
	if userID == "" || deductID == "" {
		return RollbackInfo{}, invalid("deduct_id", "user id and deduct id are required")
	}

	var info RollbackInfo
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		deduct, err := tx.Entry(ctx, userID, deductID)
		if err != nil {
			return err
		}
		if deduct.ChangeType != ChangeDeduct || deduct.ActionKey == ActionExpiration {
			return invalid("deduct_id", fmt.Sprintf("entry %s is not a reversible deduction", deductID))
		}

		consumed, err := tx.EntriesConsumedBy(ctx, userID, deductID)
		if err != nil {
			return err
		}
		remainders, err := tx.EntriesSplitBy(ctx, userID, deductID)
		if err != nil {
			return err
		}

		info = RollbackInfo{UserID: userID, Amount: deduct.Amount, DeductID: deductID}
		for _, e := range consumed {
			info.ProcessedIDs = append(info.ProcessedIDs, e.ID)
		}
		for _, e := range remainders {
			info.CreatedIDs = append(info.CreatedIDs, e.ID)
		}
		return l.rollbackTx(ctx, tx, info)
	})
	if err != nil {
		return RollbackInfo{}, err
	}

	l.log().Warn("degraded recovery: deduction reversed from stored links",
		"user_id", userID, "deduct_id", deductID, "amount", info.Amount,
		"processed_ids", info.ProcessedIDs, "created_ids", info.CreatedIDs)
	return info, nil
}
