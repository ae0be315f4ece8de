/*
processor.go - Replays due operations through the grant engine

BATCH LOOP:
  1. Release claims older than StaleAfter (crashed workers)
  2. Load up to BatchSize Pending operations with NextRetryAt <= now
  3. For each, sequentially with ItemDelay between items:
       claim (CAS) -> Grant(stored metadata) -> Finish
  4. Refresh the queue depth gauge

  Any grant that returns err == nil completes the operation, including
  duplicate, no_policy and daily_limit outcomes: those will never change,
  so retrying them would loop forever.

SEE ALSO:
  - scheduler/scheduler.go: Runs ProcessBatch on an interval
*/
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
	"github.com/warp/reward-ledger/rewards"
)

const (
	DefaultBatchSize = 50
	DefaultItemDelay = 100 * time.Millisecond
)

var tracer = otel.Tracer("github.com/warp/reward-ledger/retry")

// GrantEngine is the part of rewards.Engine the processor replays through.
type GrantEngine interface {
	Grant(ctx context.Context, req rewards.GrantRequest) (rewards.GrantResult, error)
}

type Processor struct {
	Queue      *Queue
	Engine     GrantEngine
	BatchSize  int
	ItemDelay  time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
}

func NewProcessor(q *Queue, engine GrantEngine) *Processor {
	return &Processor{
		Queue:     q,
		Engine:    engine,
		BatchSize: DefaultBatchSize,
		ItemDelay: DefaultItemDelay,
	}
}

func (p *Processor) log() *slog.Logger {
	if p.Logger == nil {
		return slog.Default().With("component", "retry")
	}
	return p.Logger
}

// BatchResult summarizes one batch.
type BatchResult struct {
	Released    int
	Due         int
	Completed   int
	Rescheduled int
	Failed      int
	Skipped     int // claimed elsewhere or no longer pending
}

func (r *BatchResult) add(status Status, claimed bool) {
	if !claimed {
		r.Skipped++
		return
	}
	switch status {
	case StatusCompleted:
		r.Completed++
	case StatusPending:
		r.Rescheduled++
	case StatusFailed:
		r.Failed++
	}
}

// ProcessBatch replays one batch of due operations.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "retry.ProcessBatch")
	defer span.End()

	var result BatchResult
	released, err := p.Queue.ReleaseStale(ctx, p.StaleAfter)
	if err != nil {
		return result, err
	}
	result.Released = released

	batch := p.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	due, err := p.Queue.Store.Due(ctx, p.Queue.now(), batch)
	if err != nil {
		return result, fmt.Errorf("load due operations: %w", err)
	}
	result.Due = len(due)

	for i, op := range due {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return result, err
			}
		}
		status, claimed, err := p.process(ctx, op.ID)
		if err != nil {
			p.log().Error("retry item failed", "id", op.ID, "error", err)
			continue
		}
		result.add(status, claimed)
	}

	if _, err := p.Queue.Counts(ctx); err != nil {
		p.log().Warn("queue depth refresh failed", "error", err)
	}
	span.SetAttributes(
		attribute.Int("due", result.Due),
		attribute.Int("completed", result.Completed),
		attribute.Int("failed", result.Failed),
	)
	if result.Due > 0 {
		p.log().Info("retry batch finished", "due", result.Due, "completed", result.Completed,
			"rescheduled", result.Rescheduled, "failed", result.Failed, "skipped", result.Skipped)
	}
	return result, nil
}

// RetryNow replays the selected operations immediately, ignoring
// NextRetryAt. Operations that are not Pending are skipped; Failed stays
// terminal.
func (p *Processor) RetryNow(ctx context.Context, ids []string) (BatchResult, error) {
	var result BatchResult
	for i, id := range ids {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return result, err
			}
		}
		op, err := p.Queue.Get(ctx, id)
		if err != nil {
			return result, err
		}
		result.Due++
		if op.Status != StatusPending {
			result.Skipped++
			continue
		}
		status, claimed, err := p.process(ctx, id)
		if err != nil {
			return result, err
		}
		result.add(status, claimed)
	}
	return result, nil
}

func (p *Processor) pause(ctx context.Context) error {
	if p.ItemDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.ItemDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// process claims and replays one operation. claimed=false means another
// worker owns it.
func (p *Processor) process(ctx context.Context, id string) (Status, bool, error) {
	q := p.Queue
	token := q.newID()
	claimed, err := q.Store.Claim(ctx, id, token, q.now())
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", id, err)
	}
	if !claimed {
		p.log().Debug("operation claimed elsewhere", "id", id)
		return "", false, nil
	}
	op, err := q.Store.Get(ctx, id)
	if err != nil {
		return "", true, err
	}
	op.ClaimToken = token

	ctx, span := tracer.Start(ctx, "retry.process", trace.WithAttributes(
		attribute.String("operation_id", id),
		attribute.String("action", op.ActionKey),
		attribute.Int("retry_count", op.RetryCount),
	))
	defer span.End()

	res, grantErr := p.Engine.Grant(ctx, rewards.GrantRequest{
		UserID:    op.UserID,
		ActionKey: op.ActionKey,
		Metadata:  op.Metadata,
	})

	now := q.now()
	var next Operation
	if grantErr == nil || ledger.IsSuccessShaped(grantErr) {
		next = q.completed(op, now)
		p.log().Debug("operation completed", "id", id, "outcome", res.Outcome, "amount", res.Amount)
	} else {
		span.RecordError(grantErr)
		next = q.failed(op, grantErr, now)
		if next.Status == StatusFailed {
			p.log().Warn("operation failed permanently", "id", id, "user_id", op.UserID,
				"action", op.ActionKey, "retries", next.RetryCount, "error", grantErr)
		} else {
			p.log().Debug("operation rescheduled", "id", id, "retries", next.RetryCount,
				"next_retry_at", next.NextRetryAt, "error", grantErr)
		}
	}

	if err := q.Store.Finish(ctx, next); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			p.log().Warn("claim lost before finish", "id", id, "error", err)
			return "", false, nil
		}
		return "", true, fmt.Errorf("finish %s: %w", id, err)
	}
	next.ClaimToken = ""
	metrics.RetriesTotal.WithLabelValues(retryResult(next.Status)).Inc()
	q.push(ctx, next)
	return next.Status, true, nil
}

func retryResult(s Status) string {
	if s == StatusPending {
		return "rescheduled"
	}
	return string(s)
}
