/*
policies.go - Reward policies and where they come from

PURPOSE:
  A Policy says how many points an action is worth and whether it is
  currently active. The grant engine reads policies through PolicySource;
  an absent or inactive policy means "no reward", never an error.

PROMOTIONS:
  A policy may carry a decimal multiplier (e.g. 1.5 during a campaign).
  The credited amount is floor(Amount x Multiplier), computed exactly:

    Amount=15, Multiplier=1.5  -> 22
    Amount=20, Multiplier=0    -> 20 (no multiplier)

SEE ALSO:
  - factory/policy.go: Loads policy catalogs (JSON/YAML) into a PolicyTable
  - external/:         HTTP-backed sources
*/
package rewards

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Policy struct {
	ActionKey  string
	Amount     int64
	Active     bool
	Multiplier decimal.Decimal // zero means no multiplier
}

// Points returns the amount to credit.
func (p Policy) Points() int64 {
	if p.Multiplier.IsZero() {
		return p.Amount
	}
	return decimal.NewFromInt(p.Amount).Mul(p.Multiplier).Floor().IntPart()
}

// PolicySource resolves the reward policy for an action. found=false and
// Active=false are treated identically.
type PolicySource interface {
	Policy(ctx context.Context, actionKey string) (p Policy, found bool, err error)
}

// OccurrenceSource reports when the action behind a grant actually
// happened, e.g. the creation time of the comment.
type OccurrenceSource interface {
	OccurrenceTime(ctx context.Context, actionKey, targetID string) (time.Time, error)
}

// ErrOccurrenceNotFound is returned by an OccurrenceSource without a record.
var ErrOccurrenceNotFound = errors.New("occurrence not found")

// =============================================================================
// POLICY TABLE - In-memory PolicySource
// =============================================================================

type PolicyTable struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewPolicyTable(policies ...Policy) *PolicyTable {
	t := &PolicyTable{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		t.policies[p.ActionKey] = p
	}
	return t
}

func (t *PolicyTable) Policy(_ context.Context, actionKey string) (Policy, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.policies[actionKey]
	return p, ok, nil
}

// Set adds or replaces the policy for p.ActionKey.
func (t *PolicyTable) Set(p Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies[p.ActionKey] = p
}

// Replace swaps the whole table, used when a catalog is reloaded.
func (t *PolicyTable) Replace(policies []Policy) {
	next := make(map[string]Policy, len(policies))
	for _, p := range policies {
		next[p.ActionKey] = p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies = next
}

// All returns every policy ordered by action key.
func (t *PolicyTable) All() []Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionKey < out[j].ActionKey })
	return out
}

var _ PolicySource = (*PolicyTable)(nil)
