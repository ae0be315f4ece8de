// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.Mutex
	entries  map[ledger.UserID][]ledger.Entry
	balances map[ledger.UserID]ledger.Balance
	daily    map[ledger.DailyKey]int
	keys     map[idemKey]ledger.EntryID

	failNext error
}

type idemKey struct {
	UserID ledger.UserID
	Key    string
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[ledger.UserID][]ledger.Entry),
		balances: make(map[ledger.UserID]ledger.Balance),
		daily:    make(map[ledger.DailyKey]int),
		keys:     make(map[idemKey]ledger.EntryID),
	}
}

// FailNextTx makes the next WithTx return err without running fn.
func (m *Memory) FailNextTx(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) Entries(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries[userID]...), nil
}

func (m *Memory) Balance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *Memory) ExpiredEntries(_ context.Context, now time.Time, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []ledger.Entry
	for _, entries := range m.entries {
		for _, e := range entries {
			if e.Expired(now) {
				result = append(result, e)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(*result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) balanceLocked(userID ledger.UserID) ledger.Balance {
	if b, ok := m.balances[userID]; ok {
		return b
	}
	return ledger.Balance{UserID: userID}
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type memorySnapshot struct {
	entries  map[ledger.UserID][]ledger.Entry
	balances map[ledger.UserID]ledger.Balance
	daily    map[ledger.DailyKey]int
	keys     map[idemKey]ledger.EntryID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:  make(map[ledger.UserID][]ledger.Entry, len(m.entries)),
		balances: make(map[ledger.UserID]ledger.Balance, len(m.balances)),
		daily:    make(map[ledger.DailyKey]int, len(m.daily)),
		keys:     make(map[idemKey]ledger.EntryID, len(m.keys)),
	}
	for k, v := range m.entries {
		s.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.daily {
		s.daily[k] = v
	}
	for k, v := range m.keys {
		s.keys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.balances = s.balances
	m.daily = s.daily
	m.keys = s.keys
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx runs with the parent's lock held.
type memoryTx struct {
	m *Memory
}

func (t *memoryTx) Balance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return t.m.balanceLocked(userID), nil
}

func (t *memoryTx) AdjustBalance(_ context.Context, userID ledger.UserID, delta int64, at time.Time) (int64, error) {
	b := t.m.balanceLocked(userID)
	next := b.Rewards + delta
	if next < 0 {
		return 0, fmt.Errorf("%w: balance of %s would become %d", ledger.ErrInsufficientBalance, userID, next)
	}
	b.Rewards = next
	b.UpdatedAt = at
	t.m.balances[userID] = b
	return next, nil
}

func (t *memoryTx) Entry(_ context.Context, userID ledger.UserID, id ledger.EntryID) (ledger.Entry, error) {
	for _, e := range t.m.entries[userID] {
		if e.ID == id {
			return e, nil
		}
	}
	return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
}

func (t *memoryTx) EntryByKey(ctx context.Context, userID ledger.UserID, key string) (ledger.Entry, bool, error) {
	id, ok := t.m.keys[idemKey{UserID: userID, Key: key}]
	if !ok {
		return ledger.Entry{}, false, nil
	}
	e, err := t.Entry(ctx, userID, id)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

func (t *memoryTx) InsertEntry(_ context.Context, e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		k := idemKey{UserID: e.UserID, Key: e.IdempotencyKey}
		if _, exists := t.m.keys[k]; exists {
			return ledger.ErrDuplicateOperation
		}
		t.m.keys[k] = e.ID
	}

	entries := t.m.entries[e.UserID]
	// Insert after every entry created at or before e.CreatedAt.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(e.CreatedAt)
	})
	entries = append(entries, ledger.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	t.m.entries[e.UserID] = entries
	return nil
}

func (t *memoryTx) UnprocessedAdds(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range t.m.entries[userID] {
		if e.IsAdd() && !e.IsProcessed {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memoryTx) SetProcessed(_ context.Context, userID ledger.UserID, ids []ledger.EntryID, processed bool, consumedBy ledger.EntryID) error {
	want := make(map[ledger.EntryID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	entries := t.m.entries[userID]
	found := 0
	for i := range entries {
		if !want[entries[i].ID] {
			continue
		}
		entries[i].IsProcessed = processed
		if processed {
			entries[i].ConsumedBy = consumedBy
		} else {
			entries[i].ConsumedBy = ""
		}
		found++
	}
	if found != len(want) {
		return fmt.Errorf("%w: %d of %d entries missing", ledger.ErrEntryNotFound, len(want)-found, len(want))
	}
	return nil
}

func (t *memoryTx) DeleteEntries(_ context.Context, userID ledger.UserID, ids []ledger.EntryID) error {
	drop := make(map[ledger.EntryID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	entries := t.m.entries[userID]
	kept := entries[:0:0]
	for _, e := range entries {
		if drop[e.ID] {
			if e.IdempotencyKey != "" {
				delete(t.m.keys, idemKey{UserID: userID, Key: e.IdempotencyKey})
			}
			delete(drop, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	if len(drop) > 0 {
		return fmt.Errorf("%w: %d entries missing", ledger.ErrEntryNotFound, len(drop))
	}
	t.m.entries[userID] = kept
	return nil
}

func (t *memoryTx) EntriesConsumedBy(_ context.Context, userID ledger.UserID, deductID ledger.EntryID) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range t.m.entries[userID] {
		if e.IsAdd() && e.IsProcessed && e.ConsumedBy == deductID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memoryTx) EntriesSplitBy(_ context.Context, userID ledger.UserID, deductID ledger.EntryID) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range t.m.entries[userID] {
		if e.SplitBy == deductID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memoryTx) DailyCount(_ context.Context, key ledger.DailyKey) (int, error) {
	return t.m.daily[key], nil
}

func (t *memoryTx) IncrementDaily(_ context.Context, key ledger.DailyKey) (int, error) {
	t.m.daily[key]++
	return t.m.daily[key], nil
}

var _ ledger.Store = (*Memory)(nil)
