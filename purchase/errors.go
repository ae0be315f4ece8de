package purchase

import (
	"fmt"

	"github.com/warp/reward-ledger/ledger"
)

// SideEffectError reports a record creation failure whose debit was
// rolled back. The user's ledger is unchanged.
type SideEffectError struct {
	UserID   ledger.UserID
	Amount   int64
	DeductID ledger.EntryID
	Err      error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("purchase for %s (%d points) rolled back: %v", e.UserID, e.Amount, e.Err)
}

func (e *SideEffectError) Unwrap() []error {
	return []error{ledger.ErrExternalSideEffect, e.Err}
}

// CriticalRollbackError reports a debit that could not be reversed after
// its side effect failed. The ledger needs manual reconciliation using the
// ids in Info.
type CriticalRollbackError struct {
	Info          ledger.RollbackInfo
	SideEffectErr error
	RollbackErr   error
}

func (e *CriticalRollbackError) Error() string {
	return fmt.Sprintf("critical: rollback of deduction %s for %s (%d points) failed: %v (side effect error: %v)",
		e.Info.DeductID, e.Info.UserID, e.Info.Amount, e.RollbackErr, e.SideEffectErr)
}

func (e *CriticalRollbackError) Unwrap() []error {
	return []error{ledger.ErrCriticalRollback, e.RollbackErr}
}
