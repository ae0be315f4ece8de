package retry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 3, 0, 0, 0, time.UTC)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEngine struct {
	mu    sync.Mutex
	calls []rewards.GrantRequest
	fn    func(rewards.GrantRequest) (rewards.GrantResult, error)
}

func (f *fakeEngine) Grant(_ context.Context, req rewards.GrantRequest) (rewards.GrantResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func failing(err error) *fakeEngine {
	return &fakeEngine{fn: func(rewards.GrantRequest) (rewards.GrantResult, error) {
		return rewards.GrantResult{}, err
	}}
}

func succeeding(outcome rewards.Outcome) *fakeEngine {
	return &fakeEngine{fn: func(rewards.GrantRequest) (rewards.GrantResult, error) {
		return rewards.GrantResult{Outcome: outcome, Granted: outcome == rewards.OutcomeGranted}, nil
	}}
}

type recordingMirror struct {
	mu     sync.Mutex
	pushed []retry.Operation
	err    error
}

func (m *recordingMirror) Push(_ context.Context, op retry.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, op)
	return m.err
}

type testQueue struct {
	queue     *retry.Queue
	store     *retry.MemoryStore
	clock     *ledger.FixedClock
	processor *retry.Processor
}

func newTestQueue(t *testing.T, engine retry.GrantEngine) *testQueue {
	t.Helper()
	st := retry.NewMemoryStore()
	clock := ledger.NewFixedClock(t0)
	q := retry.NewQueue(st)
	q.Clock = clock
	q.BaseDelay = time.Minute
	q.MaxDelay = time.Hour
	q.MaxRetries = 3
	q.Logger = quiet

	p := retry.NewProcessor(q, engine)
	p.ItemDelay = 0
	p.Logger = quiet
	return &testQueue{queue: q, store: st, clock: clock, processor: p}
}

func enqueue(t *testing.T, tq *testQueue, user ledger.UserID, target string) string {
	t.Helper()
	id, created, err := tq.queue.Enqueue(context.Background(), retry.EnqueueRequest{
		UserID:    user,
		ActionKey: rewards.ActionComment,
		TargetID:  target,
		Metadata:  map[string]string{"commentId": target},
		Err:       ledger.ErrTransientStore,
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func get(t *testing.T, tq *testQueue, id string) retry.Operation {
	t.Helper()
	op, err := tq.store.Get(context.Background(), id)
	require.NoError(t, err)
	return op
}

// =============================================================================
// BACKOFF
// =============================================================================

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{6, time.Hour}, // 64m capped
		{200, time.Hour},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, retry.Backoff(time.Minute, time.Hour, tt.attempt))
		})
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_FirstRetryOneBackoffStepAway(t *testing.T) {
	// GIVEN: A failed grant queued at retryCount=0
	// THEN: It is next eligible at now + base*2^1

	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	id := enqueue(t, tq, "u1", "c1")

	op := get(t, tq, id)
	assert.Equal(t, retry.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, 3, op.MaxRetries)
	assert.Equal(t, "transient_store_failure", op.LastErrorCode)
	assert.True(t, op.NextRetryAt.Equal(t0.Add(2*time.Minute)))
}

func TestEnqueue_DeduplicatesActiveOperations(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	ctx := context.Background()
	id := enqueue(t, tq, "u1", "c1")

	again, created, err := tq.queue.Enqueue(ctx, retry.EnqueueRequest{UserID: "u1", ActionKey: rewards.ActionComment, TargetID: "c1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	// Different target is a different operation.
	other, created, err := tq.queue.Enqueue(ctx, retry.EnqueueRequest{UserID: "u1", ActionKey: rewards.ActionComment, TargetID: "c2"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, other)

	// Once completed, the same triple may be queued again.
	tq.clock.Advance(time.Hour)
	_, err = tq.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	third, created, err := tq.queue.Enqueue(ctx, retry.EnqueueRequest{UserID: "u1", ActionKey: rewards.ActionComment, TargetID: "c1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, third)
}

func TestEnqueue_InvalidInput(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	_, _, err := tq.queue.Enqueue(context.Background(), retry.EnqueueRequest{ActionKey: "comment"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// PROCESSOR
// =============================================================================

func TestProcessBatch_FailureSchedulesBackoff(t *testing.T) {
	// GIVEN: A queued operation whose grant keeps failing
	// WHEN: The first retry runs
	// THEN: retryCount=1, still pending, next eligible at now + base*2^1

	tq := newTestQueue(t, failing(ledger.ErrTransientStore))
	id := enqueue(t, tq, "u1", "c1")

	tq.clock.Set(t0.Add(2 * time.Minute))
	res, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, retry.BatchResult{Due: 1, Rescheduled: 1}, res)

	op := get(t, tq, id)
	assert.Equal(t, retry.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.True(t, op.NextRetryAt.Equal(t0.Add(2*time.Minute).Add(2*time.Minute)))
	assert.Equal(t, "transient_store_failure", op.LastErrorCode)
}

func TestProcessBatch_ExhaustedRetries_FailedAndNeverRevisited(t *testing.T) {
	engine := failing(ledger.ErrTransientStore)
	tq := newTestQueue(t, engine)
	ctx := context.Background()
	id := enqueue(t, tq, "u1", "c1")

	for i := 0; i < 3; i++ {
		tq.clock.Advance(2 * time.Hour)
		_, err := tq.processor.ProcessBatch(ctx)
		require.NoError(t, err)
	}

	op := get(t, tq, id)
	assert.Equal(t, retry.StatusFailed, op.Status)
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, 3, engine.callCount())

	tq.clock.Advance(48 * time.Hour)
	res, err := tq.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Equal(t, 3, engine.callCount(), "failed operations are terminal")
}

func TestProcessBatch_SuccessShapedOutcomesComplete(t *testing.T) {
	for _, outcome := range []rewards.Outcome{
		rewards.OutcomeGranted, rewards.OutcomeDuplicate, rewards.OutcomeNoPolicy, rewards.OutcomeDailyLimit,
	} {
		t.Run(string(outcome), func(t *testing.T) {
			tq := newTestQueue(t, succeeding(outcome))
			id := enqueue(t, tq, "u1", "c1")
			tq.clock.Advance(time.Hour)

			res, err := tq.processor.ProcessBatch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Completed)

			op := get(t, tq, id)
			assert.Equal(t, retry.StatusCompleted, op.Status)
			require.NotNil(t, op.CompletedAt)
			assert.True(t, op.CompletedAt.Equal(t0.Add(time.Hour)))
		})
	}
}

func TestProcessBatch_SuccessShapedErrorCompletes(t *testing.T) {
	tq := newTestQueue(t, failing(ledger.ErrDuplicateOperation))
	id := enqueue(t, tq, "u1", "c1")
	tq.clock.Advance(time.Hour)

	_, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, retry.StatusCompleted, get(t, tq, id).Status)
}

func TestProcessBatch_ClientErrorFailsImmediately(t *testing.T) {
	tq := newTestQueue(t, failing(&ledger.InvalidInputError{Field: "commentId", Message: "required"}))
	id := enqueue(t, tq, "u1", "c1")
	tq.clock.Advance(time.Hour)

	res, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	op := get(t, tq, id)
	assert.Equal(t, retry.StatusFailed, op.Status)
	assert.Equal(t, "invalid_input", op.LastErrorCode)
}

func TestProcessBatch_ReplaysStoredMetadata(t *testing.T) {
	engine := succeeding(rewards.OutcomeGranted)
	tq := newTestQueue(t, engine)
	enqueue(t, tq, "u1", "c77")
	tq.clock.Advance(time.Hour)

	_, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, ledger.UserID("u1"), engine.calls[0].UserID)
	assert.Equal(t, rewards.ActionComment, engine.calls[0].ActionKey)
	assert.Equal(t, "c77", engine.calls[0].Metadata["commentId"])
}

func TestProcessBatch_NotDueYet(t *testing.T) {
	engine := succeeding(rewards.OutcomeGranted)
	tq := newTestQueue(t, engine)
	enqueue(t, tq, "u1", "c1")

	res, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Equal(t, 0, engine.callCount())
}

func TestProcessBatch_BatchSizeBound(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	tq.processor.BatchSize = 2
	for i := 0; i < 5; i++ {
		enqueue(t, tq, "u1", fmt.Sprintf("c%d", i))
	}
	tq.clock.Advance(time.Hour)

	res, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	counts, err := tq.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[retry.StatusPending])
	assert.Equal(t, 2, counts[retry.StatusCompleted])
}

func TestProcessBatch_CancelledBetweenItems(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	tq.processor.ItemDelay = time.Hour
	enqueue(t, tq, "u1", "c1")
	enqueue(t, tq, "u1", "c2")
	tq.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	tq.queue.Mirror = mirrorFunc(func(op retry.Operation) {
		if op.Status == retry.StatusCompleted {
			cancel()
		}
	})

	res, err := tq.processor.ProcessBatch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Completed)
}

type mirrorFunc func(retry.Operation)

func (f mirrorFunc) Push(_ context.Context, op retry.Operation) error {
	f(op)
	return nil
}

func TestProcessBatch_MirrorFailureIgnored(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	mirror := &recordingMirror{err: errors.New("dashboard down")}
	tq.queue.Mirror = mirror
	id := enqueue(t, tq, "u1", "c1")
	tq.clock.Advance(time.Hour)

	_, err := tq.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, retry.StatusCompleted, get(t, tq, id).Status)
	require.Len(t, mirror.pushed, 2)
	assert.Equal(t, retry.StatusPending, mirror.pushed[0].Status)
	assert.Equal(t, retry.StatusCompleted, mirror.pushed[1].Status)
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestClaim_CompareAndSet(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	ctx := context.Background()
	id := enqueue(t, tq, "u1", "c1")

	ok, err := tq.store.Claim(ctx, id, "w1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tq.store.Claim(ctx, id, "w1", t0)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	_, err = tq.store.Claim(ctx, "missing", "w1", t0)
	assert.ErrorIs(t, err, retry.ErrNotFound)
}

func TestReleaseStale_ReturnsClaimToPending(t *testing.T) {
	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	ctx := context.Background()
	id := enqueue(t, tq, "u1", "c1")

	ok, err := tq.store.Claim(ctx, id, "w1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	tq.clock.Set(t0.Add(10 * time.Minute))
	n, err := tq.queue.ReleaseStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claim is still fresh")

	tq.clock.Set(t0.Add(30 * time.Minute))
	n, err = tq.queue.ReleaseStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op := get(t, tq, id)
	assert.Equal(t, retry.StatusPending, op.Status)
	assert.True(t, op.NextRetryAt.Equal(t0.Add(30*time.Minute)))

	// The original worker's finish is refused.
	op.Status = retry.StatusCompleted
	err = tq.store.Finish(ctx, op)
	assert.ErrorIs(t, err, retry.ErrNotProcessing)
}

func TestFinish_StaleWorkerCannotOverwriteReclaim(t *testing.T) {
	// GIVEN: Worker w1's claim is released as stale and w2 claims again
	// WHEN: w1 finishes late, then w2 finishes
	// THEN: w1 is refused; only w2's outcome is stored

	tq := newTestQueue(t, succeeding(rewards.OutcomeGranted))
	ctx := context.Background()
	id := enqueue(t, tq, "u1", "c1")

	ok, err := tq.store.Claim(ctx, id, "w1", t0)
	require.NoError(t, err)
	require.True(t, ok)
	stale := get(t, tq, id)
	assert.Equal(t, "w1", stale.ClaimToken)

	tq.clock.Set(t0.Add(30 * time.Minute))
	n, err := tq.queue.ReleaseStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err = tq.store.Claim(ctx, id, "w2", tq.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	stale.Status = retry.StatusFailed
	stale.LastError = "late"
	err = tq.store.Finish(ctx, stale)
	assert.ErrorIs(t, err, retry.ErrNotProcessing)
	assert.Equal(t, retry.StatusProcessing, get(t, tq, id).Status)

	fresh := get(t, tq, id)
	fresh.Status = retry.StatusCompleted
	require.NoError(t, tq.store.Finish(ctx, fresh))
	got := get(t, tq, id)
	assert.Equal(t, retry.StatusCompleted, got.Status)
	assert.NotEqual(t, "late", got.LastError)
	assert.Empty(t, got.ClaimToken)
}

// =============================================================================
// MANUAL RETRY
// =============================================================================

func TestRetryNow_IgnoresScheduleSkipsTerminal(t *testing.T) {
	engine := succeeding(rewards.OutcomeGranted)
	tq := newTestQueue(t, engine)
	ctx := context.Background()

	pending := enqueue(t, tq, "u1", "c1")
	done := enqueue(t, tq, "u1", "c2")
	ok, err := tq.store.Claim(ctx, done, "w1", t0)
	require.NoError(t, err)
	require.True(t, ok)
	op := get(t, tq, done)
	op.Status = retry.StatusFailed
	require.NoError(t, tq.store.Finish(ctx, op))

	res, err := tq.processor.RetryNow(ctx, []string{pending, done})
	require.NoError(t, err)
	assert.Equal(t, retry.BatchResult{Due: 2, Completed: 1, Skipped: 1}, res)
	assert.Equal(t, retry.StatusCompleted, get(t, tq, pending).Status)
	assert.Equal(t, retry.StatusFailed, get(t, tq, done).Status)

	_, err = tq.processor.RetryNow(ctx, []string{"missing"})
	assert.ErrorIs(t, err, retry.ErrNotFound)
}

// =============================================================================
// GRANTER
// =============================================================================

func newRealGranter(t *testing.T) (*retry.Granter, *retry.MemoryStore, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem)
	l.Clock = ledger.NewFixedClock(t0)
	l.Logger = quiet
	engine := rewards.NewEngine(l, rewards.NewPolicyTable(
		rewards.Policy{ActionKey: rewards.ActionComment, Amount: 5, Active: true},
	))
	engine.Logger = quiet

	tq := newTestQueue(t, engine)
	return &retry.Granter{Engine: engine, Queue: tq.queue, Actions: engine.Actions, Logger: quiet}, tq.store, mem
}

func TestGranter_DailyLimit_NotQueued(t *testing.T) {
	// GIVEN: 5 comments granted today
	// WHEN: A sixth comment goes through the front door
	// THEN: Success, amount 0, and no pending operation is created

	g, ops, _ := newRealGranter(t)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		sub, err := g.GrantOrEnqueue(ctx, rewards.GrantRequest{
			UserID: "u1", ActionKey: rewards.ActionComment, Metadata: map[string]string{"commentId": fmt.Sprintf("c%d", i)},
		})
		require.NoError(t, err)
		assert.False(t, sub.Queued)
		if i == 6 {
			assert.Equal(t, rewards.OutcomeDailyLimit, sub.Result.Outcome)
			assert.Equal(t, int64(0), sub.Result.Amount)
		}
	}

	all, err := ops.List(ctx, retry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGranter_StoreFailure_Queued(t *testing.T) {
	g, ops, mem := newRealGranter(t)
	ctx := context.Background()
	req := rewards.GrantRequest{UserID: "u1", ActionKey: rewards.ActionComment, Metadata: map[string]string{"commentId": "c1"}}

	mem.FailNextTx(ledger.ErrTransientStore)
	sub, err := g.GrantOrEnqueue(ctx, req)
	require.NoError(t, err, "accepted for background retry")
	assert.True(t, sub.Queued)

	op, err := ops.Get(ctx, sub.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "c1", op.TargetID)
	assert.Equal(t, "transient_store_failure", op.LastErrorCode)
	assert.Equal(t, "c1", op.Metadata["commentId"])

	// A second failure for the same comment reuses the operation.
	mem.FailNextTx(ledger.ErrTransientStore)
	again, err := g.GrantOrEnqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sub.OperationID, again.OperationID)
}

func TestGranter_ClientError_NotQueued(t *testing.T) {
	g, ops, _ := newRealGranter(t)
	ctx := context.Background()

	_, err := g.GrantOrEnqueue(ctx, rewards.GrantRequest{UserID: "u1", ActionKey: rewards.ActionComment})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	all, err := ops.List(ctx, retry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGranter_ReplayKeepsFirstAttemptTime(t *testing.T) {
	// GIVEN: A grant whose first attempt fails on the store at t0
	// WHEN: The queued operation is replayed three days later
	// THEN: The entry expires from t0, not from the replay time

	mem := store.NewMemory()
	clock := ledger.NewFixedClock(t0)
	l := ledger.New(mem)
	l.Clock = clock
	l.Logger = quiet
	engine := rewards.NewEngine(l, rewards.NewPolicyTable(
		rewards.Policy{ActionKey: rewards.ActionComment, Amount: 5, Active: true},
	))
	engine.Logger = quiet

	tq := newTestQueue(t, engine)
	tq.queue.Clock = clock
	g := &retry.Granter{Engine: engine, Queue: tq.queue, Actions: engine.Actions, Logger: quiet}
	ctx := context.Background()

	mem.FailNextTx(ledger.ErrTransientStore)
	sub, err := g.GrantOrEnqueue(ctx, rewards.GrantRequest{
		UserID: "u1", ActionKey: rewards.ActionComment, Metadata: map[string]string{"commentId": "c1"},
	})
	require.NoError(t, err)
	require.True(t, sub.Queued)
	assert.Equal(t, t0.Format(time.RFC3339), get(t, tq, sub.OperationID).Metadata[rewards.MetaAttemptedAt])

	clock.Advance(72 * time.Hour)
	res, err := tq.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	entries, err := l.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ExpiresAt)
	assert.True(t, entries[0].ExpiresAt.Equal(l.ExpiryFor(t0)), "expires %s", entries[0].ExpiresAt)
}

func TestGranter_ExplicitOccurrenceNotOverridden(t *testing.T) {
	engine := failing(ledger.ErrTransientStore)
	tq := newTestQueue(t, engine)
	g := &retry.Granter{Engine: engine, Queue: tq.queue, Logger: quiet}

	at := t0.Add(-time.Hour).Format(time.RFC3339)
	sub, err := g.GrantOrEnqueue(context.Background(), rewards.GrantRequest{
		UserID: "u1", ActionKey: rewards.ActionComment,
		Metadata: map[string]string{"commentId": "c1", rewards.MetaOccurredAt: at},
	})
	require.NoError(t, err)
	op := get(t, tq, sub.OperationID)
	assert.Equal(t, at, op.Metadata[rewards.MetaOccurredAt])
	assert.NotContains(t, op.Metadata, rewards.MetaAttemptedAt)
}
