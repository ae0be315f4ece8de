package external

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/reward-ledger/purchase"
)

// OrderClient creates purchase records on the order service.
type OrderClient struct {
	c client
}

func NewOrderClient(baseURL string, httpClient *http.Client, timeout time.Duration) *OrderClient {
	return &OrderClient{c: newClient(baseURL, httpClient, timeout)}
}

type recordRequest struct {
	UserID    string            `json:"userId"`
	DeductID  string            `json:"deductId"`
	Amount    int64             `json:"amount"`
	ProductID string            `json:"productId"`
	Quantity  int               `json:"quantity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type recordResponse struct {
	ID string `json:"id"`
}

// CreateRecord posts the record. The deduct id doubles as the order
// service's idempotency key.
func (o *OrderClient) CreateRecord(ctx context.Context, rec purchase.Record) (string, error) {
	var resp recordResponse
	err := o.c.do(ctx, http.MethodPost, "/records", recordRequest{
		UserID:    string(rec.UserID),
		DeductID:  string(rec.DeductID),
		Amount:    rec.Amount,
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Metadata:  rec.Metadata,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create record: empty record id in response")
	}
	return resp.ID, nil
}

var _ purchase.RecordCreator = (*OrderClient)(nil)
