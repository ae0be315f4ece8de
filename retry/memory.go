package retry

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]Operation)}
}

func cloneOp(op Operation) Operation {
	op.Metadata = maps.Clone(op.Metadata)
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		op.CompletedAt = &t
	}
	return op
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, op Operation) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.ops {
		if existing.Status.Active() && existing.UserID == op.UserID &&
			existing.ActionKey == op.ActionKey && existing.TargetID == op.TargetID {
			return existing.ID, false, nil
		}
	}
	if _, exists := m.ops[op.ID]; exists {
		return "", false, fmt.Errorf("operation %s already exists", op.ID)
	}
	m.ops[op.ID] = cloneOp(op)
	return op.ID, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneOp(op), nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Operation
	for _, op := range m.ops {
		if op.Status == StatusPending && !op.NextRetryAt.After(now) {
			due = append(due, cloneOp(op))
		}
	}
	sortOps(due, func(op Operation) time.Time { return op.NextRetryAt })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, token string, now time.Time) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("claim %s: empty claim token", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if op.Status != StatusPending {
		return false, nil
	}
	op.Status = StatusProcessing
	op.UpdatedAt = now
	op.ClaimToken = token
	m.ops[id] = op
	return true, nil
}

func (m *MemoryStore) Finish(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.ops[op.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, op.ID)
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotProcessing, op.ID, current.Status)
	}
	if current.ClaimToken != op.ClaimToken {
		return fmt.Errorf("%w: %s was reclaimed", ErrNotProcessing, op.ID)
	}
	next := cloneOp(op)
	next.ClaimToken = ""
	m.ops[op.ID] = next
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Operation
	for _, op := range m.ops {
		if f.Status != "" && op.Status != f.Status {
			continue
		}
		if f.UserID != "" && op.UserID != f.UserID {
			continue
		}
		out = append(out, cloneOp(op))
	}
	sortOps(out, func(op Operation) time.Time { return op.CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Counts(context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Status]int{StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0}
	for _, op := range m.ops {
		counts[op.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, op := range m.ops {
		if op.Status == StatusProcessing && op.UpdatedAt.Before(cutoff) {
			op.Status = StatusPending
			op.NextRetryAt = now
			op.UpdatedAt = now
			op.ClaimToken = ""
			m.ops[id] = op
			n++
		}
	}
	return n, nil
}

func sortOps(ops []Operation, by func(Operation) time.Time) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := by(ops[i]), by(ops[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ops[i].ID < ops[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
