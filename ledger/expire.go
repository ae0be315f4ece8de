/*
expire.go - Scheduled reclamation of expired points

PURPOSE:
  Converts unprocessed Add entries whose ExpiresAt has passed into one
  processed Deduct entry per user (ActionKey "expiration"), keeping the
  balance equal to the sum of live Add entries.

BOUNDS:
  Each run looks at no more than `limit` entries and uses one transaction
  per user, so a large backlog is drained over several runs instead of one
  long transaction.

SEE ALSO:
  - scheduler/scheduler.go: Runs ExpireBatch on an interval
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/reward-ledger/metrics"
)

// DefaultExpireBatch bounds a single reclamation run.
const DefaultExpireBatch = 100

type ExpireSummary struct {
	Users   int
	Entries int
	Points  int64
	Failed  int
}

// ExpireBatch reclaims up to limit expired entries.
func (l *Ledger) ExpireBatch(ctx context.Context, limit int) (ExpireSummary, error) {
	if limit <= 0 {
		limit = DefaultExpireBatch
	}
	now := l.now()

	candidates, err := l.Store.ExpiredEntries(ctx, now, limit)
	if err != nil {
		return ExpireSummary{}, fmt.Errorf("load expired entries: %w", err)
	}

	// Group by user, keeping first-seen order.
	var users []UserID
	byUser := make(map[UserID]map[EntryID]bool)
	for _, e := range candidates {
		if byUser[e.UserID] == nil {
			byUser[e.UserID] = make(map[EntryID]bool)
			users = append(users, e.UserID)
		}
		byUser[e.UserID][e.ID] = true
	}

	var summary ExpireSummary
	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, points, err := l.expireUser(ctx, userID, byUser[userID])
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("expire %s: %w", userID, err))
			l.log().Error("expiration failed", "user_id", userID, "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		summary.Users++
		summary.Entries += n
		summary.Points += points
	}

	return summary, errors.Join(errs...)
}

func (l *Ledger) expireUser(ctx context.Context, userID UserID, wanted map[EntryID]bool) (int, int64, error) {
	var count int
	var points int64

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		now := l.now()
		adds, err := tx.UnprocessedAdds(ctx, userID)
		if err != nil {
			return err
		}

		var ids []EntryID
		var total int64
		for _, e := range adds {
			if wanted[e.ID] && e.Expired(now) && e.Amount > 0 {
				ids = append(ids, e.ID)
				total += e.Amount
			}
		}
		if total == 0 {
			return nil
		}

		deduct := Entry{
			ID:          l.newID(),
			UserID:      userID,
			ChangeType:  ChangeDeduct,
			Amount:      total,
			ActionKey:   ActionExpiration,
			Reason:      fmt.Sprintf("%d points expired", total),
			CreatedAt:   now,
			IsProcessed: true,
		}
		if err := tx.SetProcessed(ctx, userID, ids, true, deduct.ID); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, deduct); err != nil {
			return err
		}

		bal, err := tx.Balance(ctx, userID)
		if err != nil {
			return err
		}
		delta := total
		if bal.Rewards < total {
			// Balance and entries disagree; expire the entries anyway and
			// surface the gap for reconciliation.
			l.log().Error("CRITICAL: balance below expiring points, reconciliation required",
				"user_id", userID, "balance", bal.Rewards, "expiring", total,
				"shortfall", total-bal.Rewards, "deduct_id", deduct.ID, "entry_ids", ids)
			metrics.ExpirationShortfall.Add(float64(total - bal.Rewards))
			delta = bal.Rewards
		}
		if _, err := tx.AdjustBalance(ctx, userID, -delta, now); err != nil {
			return err
		}

		count, points = len(ids), total
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if count > 0 {
		metrics.ExpiredPoints.Add(float64(points))
		l.log().Info("points expired", "user_id", userID, "entries", count, "points", points)
	}
	return count, points, nil
}
