package external

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/warp/reward-ledger/retry"
)

// DashboardMirror copies pending operations to the ops dashboard. The
// queue ignores its errors; the local store stays authoritative.
type DashboardMirror struct {
	c client
}

func NewDashboardMirror(baseURL string, httpClient *http.Client, timeout time.Duration) *DashboardMirror {
	return &DashboardMirror{c: newClient(baseURL, httpClient, timeout)}
}

type operationDoc struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	ActionKey     string            `json:"actionKey"`
	TargetID      string            `json:"targetId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	LastError     string            `json:"lastError,omitempty"`
	LastErrorCode string            `json:"lastErrorCode,omitempty"`
	NextRetryAt   time.Time         `json:"nextRetryAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// Push upserts the operation by id.
func (d *DashboardMirror) Push(ctx context.Context, op retry.Operation) error {
	return d.c.do(ctx, http.MethodPut, "/pending-operations/"+url.PathEscape(op.ID), operationDoc{
		ID:            op.ID,
		UserID:        string(op.UserID),
		ActionKey:     op.ActionKey,
		TargetID:      op.TargetID,
		Metadata:      op.Metadata,
		Status:        string(op.Status),
		RetryCount:    op.RetryCount,
		MaxRetries:    op.MaxRetries,
		LastError:     op.LastError,
		LastErrorCode: op.LastErrorCode,
		NextRetryAt:   op.NextRetryAt,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
		CompletedAt:   op.CompletedAt,
	}, nil)
}

var _ retry.Mirror = (*DashboardMirror)(nil)
