package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
)

const (
	DefaultBaseDelay  = time.Minute
	DefaultMaxDelay   = 24 * time.Hour
	DefaultMaxRetries = 5
)

// Backoff returns base * 2^attempt, capped at max (max <= 0 means no cap).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Queue records failed grants for replay.
type Queue struct {
	Store      Store
	Clock      ledger.Clock
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Mirror     Mirror
	Logger     *slog.Logger
	NewID      func() string
}

func NewQueue(store Store) *Queue {
	return &Queue{
		Store:      store,
		Clock:      ledger.SystemClock{},
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxRetries: DefaultMaxRetries,
		Mirror:     NopMirror{},
	}
}

func (q *Queue) now() time.Time {
	if q.Clock == nil {
		return time.Now().UTC()
	}
	return q.Clock.Now()
}

func (q *Queue) log() *slog.Logger {
	if q.Logger == nil {
		return slog.Default().With("component", "retry")
	}
	return q.Logger
}

func (q *Queue) maxRetries() int {
	if q.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return q.MaxRetries
}

// Delay returns the wait before the attempt following retryCount failures.
func (q *Queue) Delay(retryCount int) time.Duration {
	base := q.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return Backoff(base, q.MaxDelay, retryCount)
}

// =============================================================================
// ENQUEUE
// =============================================================================

type EnqueueRequest struct {
	UserID    ledger.UserID
	ActionKey string
	TargetID  string
	Metadata  map[string]string
	Err       error // the failure that caused the enqueue
}

// Enqueue stores a failed grant. When an active operation for the same
// (user, action, target) exists its id is returned with created=false.
// The first retry is eligible one backoff step (base*2) from now.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.UserID == "" || req.ActionKey == "" {
		return "", false, &ledger.InvalidInputError{Field: "operation", Message: "user id and action key are required"}
	}

	now := q.now()
	op := Operation{
		ID:          q.newID(),
		UserID:      req.UserID,
		ActionKey:   req.ActionKey,
		TargetID:    req.TargetID,
		Metadata:    maps.Clone(req.Metadata),
		Status:      StatusPending,
		MaxRetries:  q.maxRetries(),
		NextRetryAt: now.Add(q.Delay(1)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Err != nil {
		op.LastError = req.Err.Error()
		op.LastErrorCode = ledger.ErrorCode(req.Err)
	}

	id, created, err = q.Store.InsertIfAbsent(ctx, op)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s/%s: %w", req.UserID, req.ActionKey, err)
	}
	if !created {
		metrics.EnqueuedTotal.WithLabelValues("deduplicated").Inc()
		q.log().Debug("operation already queued", "id", id, "user_id", req.UserID, "action", req.ActionKey, "target", req.TargetID)
		return id, false, nil
	}

	metrics.EnqueuedTotal.WithLabelValues("created").Inc()
	q.log().Info("operation queued for retry", "id", id, "user_id", req.UserID,
		"action", req.ActionKey, "target", req.TargetID, "error_code", op.LastErrorCode, "next_retry_at", op.NextRetryAt)
	q.push(ctx, op)
	return id, true, nil
}

func (q *Queue) newID() string {
	if q.NewID != nil {
		return q.NewID()
	}
	return uuid.NewString()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (q *Queue) completed(op Operation, now time.Time) Operation {
	op.Status = StatusCompleted
	op.UpdatedAt = now
	op.CompletedAt = &now
	return op
}

// failed advances op after a failed attempt: back to Pending with backoff
// while retries remain, otherwise Failed. Non-retryable errors fail at once.
func (q *Queue) failed(op Operation, cause error, now time.Time) Operation {
	op.RetryCount++
	op.LastError = cause.Error()
	op.LastErrorCode = ledger.ErrorCode(cause)
	op.UpdatedAt = now

	maxRetries := op.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries()
	}
	if !ledger.IsRetryable(cause) || op.RetryCount >= maxRetries {
		op.Status = StatusFailed
		return op
	}
	op.Status = StatusPending
	op.NextRetryAt = now.Add(q.Delay(op.RetryCount))
	return op
}

// =============================================================================
// READS / MAINTENANCE
// =============================================================================

func (q *Queue) Get(ctx context.Context, id string) (Operation, error) {
	return q.Store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, f Filter) ([]Operation, error) {
	return q.Store.List(ctx, f)
}

// Counts returns the number of operations per status and refreshes the
// queue depth gauge.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	counts, err := q.Store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return counts, nil
}

// ReleaseStale returns operations stuck in Processing for longer than
// olderThan (e.g. after a worker crash) to Pending.
func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	now := q.now()
	n, err := q.Store.ReleaseStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		q.log().Warn("released stale claims", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// push mirrors op to the dashboard. Failures are logged and ignored.
func (q *Queue) push(ctx context.Context, op Operation) {
	if q.Mirror == nil {
		return
	}
	if err := q.Mirror.Push(ctx, op); err != nil {
		metrics.MirrorFailures.Inc()
		q.log().Warn("dashboard mirror push failed", "id", op.ID, "status", op.Status, "error", err)
	}
}
