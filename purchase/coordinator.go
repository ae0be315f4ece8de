/*
Package purchase spends reward points on an order and keeps the ledger
consistent with the external system that records the order.

PURPOSE:
  A purchase touches two systems: the local ledger (debit) and an external
  system of record (order/report row). There is no shared transaction, so
  the ledger side is compensated when the external side fails.

FLOW:
  1. Debit (one ledger transaction), keeping the RollbackInfo in memory
  2. CreateRecord on the external system, bounded by Timeout
  3. On failure: Rollback(info) in one transaction, on a context that
     ignores the caller's cancellation
       - rollback ok     -> *SideEffectError    (ErrExternalSideEffect)
       - rollback failed -> *CriticalRollbackError (ErrCriticalRollback),
                            logged at ERROR with every touched entry id

  The rollback replays the exact ids from step 1. It never searches for
  "the last deduction": with concurrent purchases that search is ambiguous.

SEE ALSO:
  - ledger/debit.go:    Debit engine
  - ledger/rollback.go: Rollback / RecoverDeduct
*/
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
)

// DefaultTimeout bounds the external record call.
const DefaultTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/warp/reward-ledger/purchase")

type Order struct {
	UserID         ledger.UserID
	Amount         int64
	ProductID      string
	Quantity       int
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Record is what the external system of record stores for a purchase.
type Record struct {
	UserID    ledger.UserID
	DeductID  ledger.EntryID
	Amount    int64
	ProductID string
	Quantity  int
	Metadata  map[string]string
}

// RecordCreator writes the purchase to the external system of record.
type RecordCreator interface {
	CreateRecord(ctx context.Context, rec Record) (recordID string, err error)
}

type Receipt struct {
	RecordID string
	DeductID ledger.EntryID
	Amount   int64
	Balance  int64
}

type Coordinator struct {
	Ledger  *ledger.Ledger
	Records RecordCreator
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewCoordinator(l *ledger.Ledger, records RecordCreator) *Coordinator {
	return &Coordinator{Ledger: l, Records: records, Timeout: DefaultTimeout}
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With("component", "purchase")
	}
	return c.Logger
}

func (o Order) validate() error {
	if o.UserID == "" {
		return &ledger.InvalidInputError{Field: "user_id", Message: "required"}
	}
	if o.Amount <= 0 {
		return &ledger.InvalidInputError{Field: "amount", Message: fmt.Sprintf("must be positive, got %d", o.Amount)}
	}
	if o.ProductID == "" {
		return &ledger.InvalidInputError{Field: "product_id", Message: "required"}
	}
	if o.Quantity < 0 {
		return &ledger.InvalidInputError{Field: "quantity", Message: "must not be negative"}
	}
	return nil
}

// Purchase debits the order amount and creates the external record,
// rolling the debit back if the record cannot be created.
func (c *Coordinator) Purchase(ctx context.Context, order Order) (receipt Receipt, err error) {
	ctx, span := tracer.Start(ctx, "purchase.Purchase", trace.WithAttributes(
		attribute.String("user_id", string(order.UserID)),
		attribute.Int64("amount", order.Amount),
		attribute.String("product_id", order.ProductID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := order.validate(); err != nil {
		return Receipt{}, err
	}
	quantity := order.Quantity
	if quantity == 0 {
		quantity = 1
	}
	reason := order.Reason
	if reason == "" {
		reason = fmt.Sprintf("purchase of %s x%d", order.ProductID, quantity)
	}

	debit, err := c.Ledger.Debit(ctx, ledger.DebitRequest{
		UserID:         order.UserID,
		Amount:         order.Amount,
		ActionKey:      ledger.DefaultDebitAction,
		Reason:         reason,
		IdempotencyKey: order.IdempotencyKey,
	})
	if err != nil {
		metrics.DebitsTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	recordID, err := c.createRecord(ctx, Record{
		UserID:    order.UserID,
		DeductID:  debit.DeductID,
		Amount:    order.Amount,
		ProductID: order.ProductID,
		Quantity:  quantity,
		Metadata:  maps.Clone(order.Metadata),
	})
	if err != nil {
		return Receipt{}, c.compensate(ctx, debit.Rollback, err)
	}

	metrics.DebitsTotal.WithLabelValues("committed").Inc()
	metrics.DebitedPoints.Add(float64(order.Amount))
	c.log().Info("purchase committed", "user_id", order.UserID, "amount", order.Amount,
		"deduct_id", debit.DeductID, "record_id", recordID, "balance", debit.Balance)

	return Receipt{RecordID: recordID, DeductID: debit.DeductID, Amount: order.Amount, Balance: debit.Balance}, nil
}

func (c *Coordinator) createRecord(ctx context.Context, rec Record) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Records.CreateRecord(ctx, rec)
}

// compensate reverses the debit after the side effect failed.
func (c *Coordinator) compensate(ctx context.Context, info ledger.RollbackInfo, cause error) error {
	rbCtx := context.WithoutCancel(ctx)
	if rbErr := c.Ledger.Rollback(rbCtx, info); rbErr != nil {
		metrics.DebitsTotal.WithLabelValues("critical").Inc()
		metrics.RollbacksTotal.WithLabelValues("critical").Inc()
		c.log().Error("CRITICAL: purchase rollback failed, manual reconciliation required",
			"user_id", info.UserID,
			"amount", info.Amount,
			"deduct_id", info.DeductID,
			"processed_ids", info.ProcessedIDs,
			"created_ids", info.CreatedIDs,
			"side_effect_error", cause,
			"rollback_error", rbErr)
		return &CriticalRollbackError{Info: info, SideEffectErr: cause, RollbackErr: rbErr}
	}

	metrics.DebitsTotal.WithLabelValues("rolled_back").Inc()
	metrics.RollbacksTotal.WithLabelValues("ok").Inc()
	c.log().Warn("purchase rolled back after side effect failure",
		"user_id", info.UserID, "amount", info.Amount, "deduct_id", info.DeductID, "error", cause)
	return &SideEffectError{UserID: info.UserID, Amount: info.Amount, DeductID: info.DeductID, Err: cause}
}

// Recover reverses a purchase deduction whose RollbackInfo was lost, e.g.
// the process died between the debit and the record call.
func (c *Coordinator) Recover(ctx context.Context, userID ledger.UserID, deductID ledger.EntryID) (ledger.RollbackInfo, error) {
	info, err := c.Ledger.RecoverDeduct(ctx, userID, deductID)
	if err != nil {
		return ledger.RollbackInfo{}, err
	}
	metrics.RollbacksTotal.WithLabelValues("recovered").Inc()
	return info, nil
}
