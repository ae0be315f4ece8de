/*
Package retry keeps grant operations that failed and replays them later.

STATE MACHINE:

    Pending --claim (CAS)--> Processing --success--------------> Completed
                                  |-----failure, retries left---> Pending (backoff)
                                  '-----failure, exhausted------> Failed

  Completed and Failed are terminal. Claim is a compare-and-set on the
  current status, so two schedulers never process the same operation.
  Each claim carries a fresh token; Finish must present it, so a worker
  whose claim was released and taken over cannot overwrite the new outcome.

DEDUPLICATION:
  At most one Pending/Processing operation exists per (user, action,
  target). Enqueueing again returns the existing id.

SEE ALSO:
  - queue.go:     Enqueue, backoff
  - processor.go: Batch replay
  - granter.go:   Grant-or-enqueue front door
  - store/sqlite: Durable Store
*/
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/warp/reward-ledger/ledger"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the status takes part in deduplication.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Operation is one grant waiting to be replayed.
type Operation struct {
	ID            string
	UserID        ledger.UserID
	ActionKey     string
	TargetID      string
	Metadata      map[string]string
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastError     string
	LastErrorCode string
	NextRetryAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time

	// ClaimToken identifies the worker holding a Processing claim. Finish
	// only succeeds with the token of the current claim.
	ClaimToken string
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status Status
	UserID ledger.UserID
	Limit  int
}

var (
	ErrNotFound = errors.New("pending operation not found")

	// ErrNotProcessing is returned when finishing an operation whose claim
	// was lost, e.g. released as stale and possibly claimed again.
	ErrNotProcessing = errors.New("pending operation is not processing")
)

// Store persists pending operations.
type Store interface {
	// InsertIfAbsent stores op unless an active operation with the same
	// (user, action, target) exists; then it returns that id.
	InsertIfAbsent(ctx context.Context, op Operation) (id string, inserted bool, err error)

	Get(ctx context.Context, id string) (Operation, error)

	// Due returns Pending operations with NextRetryAt <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Operation, error)

	// Claim moves id from Pending to Processing under token. false means
	// another worker won or the operation is no longer pending.
	Claim(ctx context.Context, id, token string, now time.Time) (bool, error)

	// Finish writes the outcome of a claimed operation and clears the token.
	// Returns ErrNotProcessing if op.ClaimToken no longer holds the claim.
	Finish(ctx context.Context, op Operation) error

	List(ctx context.Context, f Filter) ([]Operation, error)
	Counts(ctx context.Context) (map[Status]int, error)

	// ReleaseStale moves Processing operations last updated before cutoff
	// back to Pending, eligible at now.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Mirror receives a best-effort copy of every state change.
type Mirror interface {
	Push(ctx context.Context, op Operation) error
}

type NopMirror struct{}

func (NopMirror) Push(context.Context, Operation) error { return nil }
