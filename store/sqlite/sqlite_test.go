package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/purchase"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, s *sqlite.Store) *ledger.Ledger {
	t.Helper()
	l := ledger.New(s)
	l.Clock = ledger.NewFixedClock(t0)
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	n := 0
	l.NewID = func() ledger.EntryID {
		n++
		return ledger.EntryID(fmt.Sprintf("e%d", n))
	}
	return l
}

func credit(t *testing.T, l *ledger.Ledger, amount int64, key string, days int) ledger.EntryID {
	t.Helper()
	exp := t0.AddDate(0, 0, days)
	res, err := l.AppendAdd(context.Background(), ledger.AddRequest{
		UserID: "u1", Amount: amount, ActionKey: "comment", Reason: "comment reward",
		IdempotencyKey: key, ExpiresAt: &exp,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	return res.EntryID
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestStore_DebitSplitAndRollbackExact(t *testing.T) {
	// GIVEN: A(60, day 10) and B(50, day 20)
	// WHEN: 80 is debited, then rolled back
	// THEN: The split is persisted, and the rollback restores every row

	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	a := credit(t, l, 60, "CMT-a", 10)
	b := credit(t, l, 50, "CMT-b", 20)

	before, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	beforeBal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)

	res, err := l.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 80})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Balance)
	assert.Equal(t, []ledger.EntryID{a, b}, res.Rollback.ProcessedIDs)
	require.Len(t, res.Rollback.CreatedIDs, 1)

	entries, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	var remainder, deduct ledger.Entry
	for _, e := range entries {
		switch e.ID {
		case res.Rollback.CreatedIDs[0]:
			remainder = e
		case res.DeductID:
			deduct = e
		case a, b:
			assert.True(t, e.IsProcessed)
			assert.Equal(t, res.DeductID, e.ConsumedBy)
		}
	}
	assert.Equal(t, int64(30), remainder.Amount)
	assert.Equal(t, b, remainder.SplitFrom)
	assert.Equal(t, res.DeductID, remainder.SplitBy)
	require.NotNil(t, remainder.ExpiresAt)
	assert.True(t, remainder.ExpiresAt.Equal(t0.AddDate(0, 0, 20)))
	assert.Equal(t, ledger.ChangeDeduct, deduct.ChangeType)
	assert.Equal(t, int64(80), deduct.Amount)
	assert.True(t, deduct.IsProcessed)

	require.NoError(t, l.Rollback(ctx, res.Rollback))

	after, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	afterBal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeBal, afterBal)

	err = l.Rollback(ctx, res.Rollback)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestStore_RecoverDeduct(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	credit(t, l, 60, "CMT-a", 10)
	credit(t, l, 50, "CMT-b", 20)

	res, err := l.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 80})
	require.NoError(t, err)

	info, err := l.RecoverDeduct(ctx, "u1", res.DeductID)
	require.NoError(t, err)
	assert.ElementsMatch(t, res.Rollback.ProcessedIDs, info.ProcessedIDs)
	assert.ElementsMatch(t, res.Rollback.CreatedIDs, info.CreatedIDs)

	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(110), bal.Rewards)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	credit(t, l, 5, "CMT-c1", 120)

	res, err := l.AppendAdd(ctx, ledger.AddRequest{UserID: "u1", Amount: 5, ActionKey: "comment", IdempotencyKey: "CMT-c1"})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	// The unique index backs the pre-check.
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertEntry(ctx, ledger.Entry{
			ID: "raw", UserID: "u1", ChangeType: ledger.ChangeAdd, Amount: 5,
			ActionKey: "comment", IdempotencyKey: "CMT-c1", CreatedAt: t0,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)

	// Same key for another user is fine.
	other, err := l.AppendAdd(ctx, ledger.AddRequest{UserID: "u2", Amount: 5, ActionKey: "comment", IdempotencyKey: "CMT-c1"})
	require.NoError(t, err)
	assert.True(t, other.Applied)
}

func TestStore_TxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertEntry(ctx, ledger.Entry{
			ID: "e1", UserID: "u1", ChangeType: ledger.ChangeAdd, Amount: 5, ActionKey: "comment", CreatedAt: t0,
		}); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, "u1", 5, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Rewards)
}

func TestStore_NegativeBalanceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AdjustBalance(ctx, "u1", -1, t0)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestStore_MissingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SetProcessed(ctx, "u1", []ledger.EntryID{"nope"}, true, "d1")
	})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.DeleteEntries(ctx, "u1", []ledger.EntryID{"nope"})
	})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.Entry(ctx, "u1", "nope")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestStore_DailyCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := ledger.DailyKey{UserID: "u1", DateKey: "2025-03-10", ActionKey: "comment"}

	var counts []int
	for i := 0; i < 3; i++ {
		err := s.WithTx(ctx, func(tx ledger.Tx) error {
			n, err := tx.IncrementDaily(ctx, key)
			counts = append(counts, n)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, counts)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		n, err := tx.DailyCount(ctx, ledger.DailyKey{UserID: "u1", DateKey: "2025-03-11", ActionKey: "comment"})
		assert.Equal(t, 0, n)
		return err
	})
	require.NoError(t, err)
}

func TestStore_ExpireBatch(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	credit(t, l, 10, "CMT-old", 1)
	credit(t, l, 20, "CMT-new", 30)

	l.Clock.(*ledger.FixedClock).Set(t0.AddDate(0, 0, 2))
	expired, err := s.ExpiredEntries(ctx, l.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(10), expired[0].Amount)

	summary, err := l.ExpireBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExpireSummary{Users: 1, Entries: 1, Points: 10}, summary)

	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal.Rewards)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewards.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	credit(t, newTestLedger(t, s), 42, "CMT-c1", 120)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Rewards)
	entries, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "comment reward", entries[0].Reason)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

type failingRecords struct{}

func (failingRecords) CreateRecord(context.Context, purchase.Record) (string, error) {
	time.Sleep(time.Millisecond)
	return "", errors.New("order service unavailable")
}

func assertLiveAddsMatchBalance(t *testing.T, l *ledger.Ledger, user ledger.UserID) int64 {
	t.Helper()
	ctx := context.Background()
	entries, err := l.History(ctx, user)
	require.NoError(t, err)
	var live int64
	for _, e := range entries {
		if e.IsAdd() && !e.IsProcessed {
			live += e.Amount
		}
	}
	bal, err := l.Balance(ctx, user)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bal.Rewards, int64(0))
	assert.Equal(t, live, bal.Rewards, "balance must equal unprocessed Add entries")
	return bal.Rewards
}

func TestStore_ConcurrentGrantDebitPurchase(t *testing.T) {
	// GIVEN: One user with 100 points on a file database
	// WHEN: Grants, debits and purchases whose record call fails run in parallel
	// THEN: The balance never goes negative, equals the unprocessed Add entries,
	//       and accounts for exactly the operations that stuck

	s, err := sqlite.New(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l := ledger.New(s)
	l.Clock = ledger.NewFixedClock(t0)
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	_, err = l.AppendAdd(ctx, ledger.AddRequest{UserID: "u1", Amount: 100, ActionKey: "signup", IdempotencyKey: "SGN-u1"})
	require.NoError(t, err)

	engine := rewards.NewEngine(l, rewards.NewPolicyTable(
		rewards.Policy{ActionKey: rewards.ActionReview, Amount: 10, Active: true},
	))
	engine.Logger = l.Logger
	coord := purchase.NewCoordinator(l, failingRecords{})
	coord.Logger = l.Logger

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int64
		debited  int64
		stranded int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Grant(ctx, rewards.GrantRequest{
				UserID: "u1", ActionKey: rewards.ActionReview, Metadata: map[string]string{"reviewId": fmt.Sprintf("r%d", i)},
			})
			if assert.NoError(t, err) && res.Granted {
				mu.Lock()
				granted += res.Amount
				mu.Unlock()
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			amount := int64(5 + i%3*5)
			_, err := l.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: amount, IdempotencyKey: fmt.Sprintf("debit-%d", i)})
			switch {
			case err == nil:
				mu.Lock()
				debited += amount
				mu.Unlock()
			default:
				assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			amount := int64(10 + i%2*5)
			_, err := coord.Purchase(ctx, purchase.Order{UserID: "u1", Amount: amount, ProductID: "coffee", IdempotencyKey: fmt.Sprintf("buy-%d", i)})
			if !assert.Error(t, err) {
				return
			}
			switch {
			case errors.Is(err, ledger.ErrCriticalRollback):
				assert.ErrorIs(t, err, ledger.ErrRollbackConflict)
				mu.Lock()
				stranded += amount
				mu.Unlock()
			case errors.Is(err, ledger.ErrExternalSideEffect), errors.Is(err, ledger.ErrInsufficientBalance):
			default:
				t.Errorf("unexpected purchase error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	balance := assertLiveAddsMatchBalance(t, l, "u1")
	assert.Equal(t, int64(workers*10), granted)
	assert.Equal(t, 100+granted-debited-stranded, balance)
}

func TestStore_RollbackAfterRemainderSpent_Refused(t *testing.T) {
	s := newTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()

	credit(t, l, 10, "a", 1)
	credit(t, l, 10, "b", 5)

	first, err := l.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 15})
	require.NoError(t, err)
	_, err = l.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 5})
	require.NoError(t, err)

	err = l.Rollback(ctx, first.Rollback)
	assert.ErrorIs(t, err, ledger.ErrRollbackConflict)
	assert.Equal(t, int64(0), assertLiveAddsMatchBalance(t, l, "u1"))
}

// =============================================================================
// PENDING OPERATIONS
// =============================================================================

func operation(id string, target string, next time.Time) retry.Operation {
	return retry.Operation{
		ID:            id,
		UserID:        "u1",
		ActionKey:     "comment",
		TargetID:      target,
		Metadata:      map[string]string{"commentId": target},
		Status:        retry.StatusPending,
		MaxRetries:    5,
		LastError:     "transient store failure",
		LastErrorCode: "transient_store_failure",
		NextRetryAt:   next,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func TestQueue_InsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, created, err := s.InsertIfAbsent(ctx, operation("op1", "c1", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "op1", id)

	id, created, err = s.InsertIfAbsent(ctx, operation("op2", "c1", t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "op1", id)

	got, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, operation("op1", "c1", t0), got)

	_, err = s.Get(ctx, "op2")
	assert.ErrorIs(t, err, retry.ErrNotFound)
}

func TestQueue_ClaimFinish(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.InsertIfAbsent(ctx, operation("op1", "c1", t0))
	require.NoError(t, err)

	ok, err := s.Claim(ctx, "op1", "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Claim(ctx, "op1", "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Claim(ctx, "missing", "w1", t0)
	assert.ErrorIs(t, err, retry.ErrNotFound)

	op, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusProcessing, op.Status)

	done := t0.Add(2 * time.Minute)
	op.Status = retry.StatusCompleted
	op.UpdatedAt = done
	op.CompletedAt = &done
	require.NoError(t, s.Finish(ctx, op))

	got, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))

	err = s.Finish(ctx, op)
	assert.ErrorIs(t, err, retry.ErrNotProcessing)

	// Completed frees the dedup slot.
	_, created, err := s.InsertIfAbsent(ctx, operation("op3", "c1", t0))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQueue_FinishRequiresCurrentClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.InsertIfAbsent(ctx, operation("op1", "c1", t0))
	require.NoError(t, err)

	ok, err := s.Claim(ctx, "op1", "w1", t0)
	require.NoError(t, err)
	require.True(t, ok)
	stale, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, "w1", stale.ClaimToken)

	n, err := s.ReleaseStale(ctx, t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err = s.Claim(ctx, "op1", "w2", t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	stale.Status = retry.StatusFailed
	err = s.Finish(ctx, stale)
	assert.ErrorIs(t, err, retry.ErrNotProcessing)

	fresh, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusProcessing, fresh.Status)
	assert.Equal(t, "w2", fresh.ClaimToken)

	fresh.Status = retry.StatusCompleted
	require.NoError(t, s.Finish(ctx, fresh))
	got, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusCompleted, got.Status)
	assert.Empty(t, got.ClaimToken)
}

func TestQueue_DueListCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, next := range []time.Time{t0.Add(3 * time.Minute), t0.Add(time.Minute), t0.Add(time.Hour)} {
		_, _, err := s.InsertIfAbsent(ctx, operation(fmt.Sprintf("op%d", i), fmt.Sprintf("c%d", i), next))
		require.NoError(t, err)
	}

	due, err := s.Due(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "op1", due[0].ID, "earliest next_retry_at first")
	assert.Equal(t, "op0", due[1].ID)

	due, err = s.Due(ctx, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = s.Claim(ctx, "op2", "w1", t0)
	require.NoError(t, err)

	pending, err := s.List(ctx, retry.Filter{Status: retry.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	all, err := s.List(ctx, retry.Filter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[retry.Status]int{
		retry.StatusPending: 2, retry.StatusProcessing: 1, retry.StatusCompleted: 0, retry.StatusFailed: 0,
	}, counts)
}

func TestQueue_ReleaseStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.InsertIfAbsent(ctx, operation("op1", "c1", t0))
	require.NoError(t, err)
	_, err = s.Claim(ctx, "op1", "w1", t0)
	require.NoError(t, err)

	n, err := s.ReleaseStale(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "cutoff is exclusive")

	n, err = s.ReleaseStale(ctx, t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := s.Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, retry.StatusPending, op.Status)
	assert.True(t, op.NextRetryAt.Equal(t0.Add(time.Hour)))
}
