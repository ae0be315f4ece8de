/*
engine.go - Grant engine

PURPOSE:
  Applies the reward for one user action exactly once.

GRANT FLOW:
  1. Resolve the action (type code, target field, daily limit)
  2. Resolve the target id from metadata and derive the idempotency key
  3. Look up the policy; absent, inactive or zero amount -> no_policy
  4. Resolve the occurrence time: metadata "occurredAt", then the
     OccurrenceSource, then now. Expiry is occurrence + retention, so a
     grant replayed from the retry queue still expires on schedule.
  5. In ONE ledger transaction:
       duplicate check -> daily counter check-and-increment -> Add entry

OUTCOMES:
  granted, duplicate, no_policy and daily_limit all return err == nil.
  Only real failures (policy source down, store unavailable) return an
  error, and only those are worth queueing for retry.

SEE ALSO:
  - ledger/ledger.go: AppendAddTx
  - retry/granter.go: GrantOrEnqueue front door
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
)

var tracer = otel.Tracer("github.com/warp/reward-ledger/rewards")

// Engine grants rewards. Actions and Policies are required.
type Engine struct {
	Ledger      *ledger.Ledger
	Actions     *Registry
	Policies    PolicySource
	Occurrences OccurrenceSource // optional
	Location    *time.Location   // reference timezone for daily limits
	Logger      *slog.Logger
}

func NewEngine(l *ledger.Ledger, policies PolicySource) *Engine {
	return &Engine{
		Ledger:   l,
		Actions:  DefaultRegistry(),
		Policies: policies,
		Location: time.UTC,
	}
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default().With("component", "rewards")
	}
	return e.Logger
}

func (e *Engine) location() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

// Grant credits the reward for req.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (result GrantResult, err error) {
	ctx, span := tracer.Start(ctx, "rewards.Grant", trace.WithAttributes(
		attribute.String("user_id", string(req.UserID)),
		attribute.String("action", req.ActionKey),
	))
	defer func() {
		outcome := string(result.Outcome)
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome), attribute.Int64("amount", result.Amount))
		span.End()
		metrics.GrantsTotal.WithLabelValues(req.ActionKey, outcome).Inc()
	}()

	if req.UserID == "" {
		return GrantResult{}, &ledger.InvalidInputError{Field: "user_id", Message: "required"}
	}
	action, ok := e.Actions.Lookup(req.ActionKey)
	if !ok {
		return GrantResult{}, &ledger.InvalidInputError{Field: "action_key", Message: fmt.Sprintf("unknown action %q", req.ActionKey)}
	}
	targetID := req.Metadata[action.TargetField]
	if targetID == "" && action.TargetField == MetaUserID {
		targetID = string(req.UserID)
	}
	if targetID == "" {
		return GrantResult{}, &ledger.InvalidInputError{Field: action.TargetField, Message: "required for action " + action.Key}
	}

	policy, found, err := e.Policies.Policy(ctx, action.Key)
	if err != nil {
		return GrantResult{}, fmt.Errorf("policy lookup for %s: %w", action.Key, err)
	}
	amount := policy.Points()
	if !found || !policy.Active || amount <= 0 {
		e.log().Debug("no applicable policy", "user_id", req.UserID, "action", action.Key)
		return GrantResult{Outcome: OutcomeNoPolicy}, nil
	}

	occurredAt := e.occurrence(ctx, action, targetID, req.Metadata)
	dateKey := ledger.DateKey(occurredAt, e.location())
	key := action.IdempotencyKey(targetID, dateKey)
	result = GrantResult{IdempotencyKey: key, OccurredAt: occurredAt}

	err = e.Ledger.Store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, dup, err := tx.EntryByKey(ctx, req.UserID, key); err != nil {
			return err
		} else if dup {
			return ledger.ErrDuplicateOperation
		}

		if action.DailyLimit > 0 {
			dk := ledger.DailyKey{UserID: req.UserID, DateKey: dateKey, ActionKey: action.Key}
			n, err := tx.DailyCount(ctx, dk)
			if err != nil {
				return err
			}
			if n >= action.DailyLimit {
				return ledger.ErrDailyLimitExceeded
			}
			if _, err := tx.IncrementDaily(ctx, dk); err != nil {
				return err
			}
		}

		added, err := e.Ledger.AppendAddTx(ctx, tx, ledger.AddRequest{
			UserID:         req.UserID,
			Amount:         amount,
			ActionKey:      action.Key,
			Reason:         action.Reason,
			IdempotencyKey: key,
			OccurredAt:     occurredAt,
		})
		if err != nil {
			return err
		}
		if !added.Applied {
			return ledger.ErrDuplicateOperation
		}
		result.EntryID = added.EntryID
		result.Balance = added.Balance
		return nil
	})

	switch {
	case err == nil:
		result.Outcome = OutcomeGranted
		result.Granted = true
		result.Amount = amount
		result.ExpiresAt = e.Ledger.ExpiryFor(occurredAt)
		metrics.GrantedPoints.WithLabelValues(action.Key).Add(float64(amount))
		e.log().Info("reward granted", "user_id", req.UserID, "action", action.Key,
			"amount", amount, "key", key, "balance", result.Balance)
		return result, nil
	case errors.Is(err, ledger.ErrDuplicateOperation):
		result.Outcome = OutcomeDuplicate
	case errors.Is(err, ledger.ErrDailyLimitExceeded):
		result.Outcome = OutcomeDailyLimit
	default:
		return GrantResult{}, fmt.Errorf("grant %s for %s: %w", key, req.UserID, err)
	}

	e.log().Debug("grant skipped", "user_id", req.UserID, "action", action.Key, "key", key, "outcome", result.Outcome)
	if bal, berr := e.Ledger.Balance(ctx, req.UserID); berr == nil {
		result.Balance = bal.Rewards
	}
	return result, nil
}

// occurrence resolves when the action happened: explicit metadata, then the
// occurrence source, then the first attempt time of a replayed grant, then
// now. Lookup failures fall back with a warning; they never fail the grant.
func (e *Engine) occurrence(ctx context.Context, action Action, targetID string, meta map[string]string) time.Time {
	if raw := meta[MetaOccurredAt]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			return t.UTC()
		}
		e.log().Warn("unparseable occurrence time in metadata", "action", action.Key, "value", raw, "error", err)
	}
	if e.Occurrences != nil {
		t, err := e.Occurrences.OccurrenceTime(ctx, action.Key, targetID)
		switch {
		case err == nil && !t.IsZero():
			return t.UTC()
		case err != nil && !errors.Is(err, ErrOccurrenceNotFound):
			e.log().Warn("occurrence lookup failed, using fallback", "action", action.Key, "target", targetID, "error", err)
		}
	}
	if raw := meta[MetaAttemptedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			return t.UTC()
		}
		e.log().Warn("unparseable attempt time in metadata", "action", action.Key, "value", raw, "error", err)
	}
	return e.Ledger.Now()
}
