package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// OCCURRENCE SOURCE
// =============================================================================

// OccurrenceClient asks the content service when an action's target was
// created, e.g. the comment behind a comment reward.
type OccurrenceClient struct {
	c client
}

func NewOccurrenceClient(baseURL string, httpClient *http.Client, timeout time.Duration) *OccurrenceClient {
	return &OccurrenceClient{c: newClient(baseURL, httpClient, timeout)}
}

type occurrenceResponse struct {
	OccurredAt time.Time `json:"occurredAt"`
}

func (o *OccurrenceClient) OccurrenceTime(ctx context.Context, actionKey, targetID string) (time.Time, error) {
	var resp occurrenceResponse
	path := "/occurrences/" + url.PathEscape(actionKey) + "/" + url.PathEscape(targetID)
	if err := o.c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if isNotFound(err) {
			return time.Time{}, fmt.Errorf("%w: %s/%s", rewards.ErrOccurrenceNotFound, actionKey, targetID)
		}
		return time.Time{}, err
	}
	if resp.OccurredAt.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s/%s has no time", rewards.ErrOccurrenceNotFound, actionKey, targetID)
	}
	return resp.OccurredAt, nil
}

// =============================================================================
// POLICY SOURCE
// =============================================================================

// PolicyClient reads policies from the admin service.
type PolicyClient struct {
	c client
}

func NewPolicyClient(baseURL string, httpClient *http.Client, timeout time.Duration) *PolicyClient {
	return &PolicyClient{c: newClient(baseURL, httpClient, timeout)}
}

type policyResponse struct {
	ActionKey  string          `json:"actionKey"`
	Amount     int64           `json:"amount"`
	Active     bool            `json:"active"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (p *PolicyClient) Policy(ctx context.Context, actionKey string) (rewards.Policy, bool, error) {
	var resp policyResponse
	if err := p.c.do(ctx, http.MethodGet, "/policies/"+url.PathEscape(actionKey), nil, &resp); err != nil {
		if isNotFound(err) {
			return rewards.Policy{}, false, nil
		}
		return rewards.Policy{}, false, fmt.Errorf("policy %s: %w", actionKey, err)
	}
	return rewards.Policy{
		ActionKey:  actionKey,
		Amount:     resp.Amount,
		Active:     resp.Active,
		Multiplier: resp.Multiplier,
	}, true, nil
}

var (
	_ rewards.OccurrenceSource = (*OccurrenceClient)(nil)
	_ rewards.PolicySource     = (*PolicyClient)(nil)
)
