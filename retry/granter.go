package retry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/rewards"
)

// Submission is what a caller of GrantOrEnqueue sees: either the grant
// result, or the id of the queued operation that will replay it.
type Submission struct {
	Result      rewards.GrantResult
	Queued      bool
	OperationID string
}

// Granter is the front door for grants. Real failures are queued for
// background retry; success-shaped outcomes and client errors never are.
type Granter struct {
	Engine  GrantEngine
	Queue   *Queue
	Actions *rewards.Registry // resolves the dedup target id
	Logger  *slog.Logger
}

func (g *Granter) log() *slog.Logger {
	if g.Logger == nil {
		return slog.Default().With("component", "retry")
	}
	return g.Logger
}

func (g *Granter) GrantOrEnqueue(ctx context.Context, req rewards.GrantRequest) (Submission, error) {
	res, err := g.Engine.Grant(ctx, req)
	if err == nil || ledger.IsSuccessShaped(err) {
		return Submission{Result: res}, nil
	}
	if !ledger.IsRetryable(err) {
		return Submission{}, err
	}

	id, _, qerr := g.Queue.Enqueue(ctx, EnqueueRequest{
		UserID:    req.UserID,
		ActionKey: req.ActionKey,
		TargetID:  g.targetID(req),
		Metadata:  g.replayMetadata(req.Metadata),
		Err:       err,
	})
	if qerr != nil {
		g.log().Error("grant failed and could not be queued", "user_id", req.UserID,
			"action", req.ActionKey, "error", err, "queue_error", qerr)
		return Submission{}, errors.Join(err, qerr)
	}
	return Submission{Queued: true, OperationID: id}, nil
}

// replayMetadata stamps the first attempt time so a replay days later still
// resolves the original occurrence day and expiry.
func (g *Granter) replayMetadata(meta map[string]string) map[string]string {
	if meta[rewards.MetaOccurredAt] != "" || meta[rewards.MetaAttemptedAt] != "" {
		return meta
	}
	out := maps.Clone(meta)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[rewards.MetaAttemptedAt] = g.Queue.now().UTC().Format(time.RFC3339)
	return out
}

func (g *Granter) targetID(req rewards.GrantRequest) string {
	if g.Actions == nil {
		return ""
	}
	action, ok := g.Actions.Lookup(req.ActionKey)
	if !ok {
		return ""
	}
	if id := req.Metadata[action.TargetField]; id != "" {
		return id
	}
	if action.TargetField == rewards.MetaUserID {
		return string(req.UserID)
	}
	return ""
}
