/*
Package rewards grants reward points for user actions.

PURPOSE:
  Turns "user U did action A on target T" into at most one ledger credit.
  The grant engine resolves the action, looks up the reward policy, works
  out when the action really happened and writes the Add entry together
  with the daily counter in a single ledger transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Action:      Registered earning action (type code, target field, limit)
  - Registry:    Lookup of actions by key
  - GrantResult: What a grant did; every Outcome is a success

IDEMPOTENCY KEYS:
  Each action has a short type code. The key is "<TYPE_CODE>-<targetId>":

    comment   (CMT, commentId)  -> "CMT-c-42"
    signup    (SGN, userId)     -> "SGN-u-7"
    attendance(ATD, userId, per day) -> "ATD-u-7-2025-03-10"

  The ledger refuses a second Add entry with the same key for the user.

SEE ALSO:
  - engine.go:   Grant flow
  - policies.go: PolicySource and the in-memory policy table
  - retry/:      Queue for grants that failed
*/
package rewards

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// ACTIONS
// =============================================================================

// Metadata keys read by the grant engine.
const (
	MetaOccurredAt  = "occurredAt"  // RFC 3339 occurrence time
	MetaAttemptedAt = "attemptedAt" // RFC 3339 first grant attempt, set when queued
	MetaUserID      = "userId"
)

type Action struct {
	Key         string
	TypeCode    string
	TargetField string // metadata field holding the target id
	DailyLimit  int    // 0 = unlimited
	PerDay      bool   // one grant per occurrence day; the date joins the key
	Reason      string
}

// IdempotencyKey derives the ledger key for a target. dateKey is only used
// for PerDay actions.
func (a Action) IdempotencyKey(targetID, dateKey string) string {
	if a.PerDay {
		return fmt.Sprintf("%s-%s-%s", a.TypeCode, targetID, dateKey)
	}
	return fmt.Sprintf("%s-%s", a.TypeCode, targetID)
}

func (a Action) validate() error {
	if a.Key == "" || a.TypeCode == "" || a.TargetField == "" {
		return fmt.Errorf("%w: action needs key, type code and target field", ledger.ErrInvalidInput)
	}
	if a.DailyLimit < 0 {
		return fmt.Errorf("%w: action %s has negative daily limit", ledger.ErrInvalidInput, a.Key)
	}
	return nil
}

// Built-in action keys.
const (
	ActionComment     = "comment"
	ActionPost        = "post"
	ActionRoutinePost = "routine_post"
	ActionReview      = "review"
	ActionSignup      = "signup"
	ActionAttendance  = "attendance"
)

// DefaultActions returns the built-in earning actions.
func DefaultActions() []Action {
	return []Action{
		{Key: ActionComment, TypeCode: "CMT", TargetField: "commentId", DailyLimit: 5, Reason: "comment reward"},
		{Key: ActionPost, TypeCode: "PST", TargetField: "postId", DailyLimit: 3, Reason: "post reward"},
		{Key: ActionRoutinePost, TypeCode: "RTP", TargetField: "postId", Reason: "routine post reward"},
		{Key: ActionReview, TypeCode: "RVW", TargetField: "reviewId", Reason: "review reward"},
		{Key: ActionSignup, TypeCode: "SGN", TargetField: MetaUserID, Reason: "signup reward"},
		{Key: ActionAttendance, TypeCode: "ATD", TargetField: MetaUserID, DailyLimit: 1, PerDay: true, Reason: "attendance reward"},
	}
}

// Registry holds the known actions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with DefaultActions.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultActions()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces an action.
func (r *Registry) Register(a Action) error {
	if err := a.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Key] = a
	return nil
}

func (r *Registry) Lookup(key string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key]
	return a, ok
}

// Keys returns the registered action keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.actions))
	for k := range r.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// GRANT REQUEST / RESULT
// =============================================================================

type GrantRequest struct {
	UserID    ledger.UserID
	ActionKey string
	Metadata  map[string]string // target id, occurrence time, replay payload
}

// Outcome classifies a successful grant call.
type Outcome string

const (
	OutcomeGranted    Outcome = "granted"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeNoPolicy   Outcome = "no_policy"
	OutcomeDailyLimit Outcome = "daily_limit"
)

type GrantResult struct {
	Outcome        Outcome
	Granted        bool
	Amount         int64
	EntryID        ledger.EntryID
	Balance        int64
	IdempotencyKey string
	OccurredAt     time.Time
	ExpiresAt      time.Time
}
