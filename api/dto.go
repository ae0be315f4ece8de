/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and retry models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Users:
    BalanceDTO, EntryDTO

  Grants:
    GrantRequest, GrantResponse

  Purchases:
    PurchaseRequest, ReceiptDTO

  Admin:
    OperationDTO, BatchResultDTO, ExpireSummaryDTO, RetryRequest,
    RecoverRequest, RollbackDTO

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: CatalogJSON, served as-is by the policy endpoints
*/
package api

import (
	"time"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/purchase"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Rewards   int64  `json:"rewards"`
	Spendable int64  `json:"spendable"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// EntryDTO is one ledger entry in a user's history.
type EntryDTO struct {
	ID             string `json:"id"`
	ChangeType     string `json:"change_type"`
	Amount         int64  `json:"amount"`
	ActionKey      string `json:"action_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Processed      bool   `json:"processed"`
	ConsumedBy     string `json:"consumed_by,omitempty"`
	SplitFrom      string `json:"split_from,omitempty"`
}

type GrantRequest struct {
	ActionKey string            `json:"action_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// GrantResponse is returned for both direct grants and queued ones.
// Queued grants carry only Queued and OperationID.
type GrantResponse struct {
	Outcome        string `json:"outcome,omitempty"`
	Granted        bool   `json:"granted"`
	Amount         int64  `json:"amount,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	Balance        int64  `json:"balance,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OccurredAt     string `json:"occurred_at,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Queued         bool   `json:"queued,omitempty"`
	OperationID    string `json:"operation_id,omitempty"`
}

type PurchaseRequest struct {
	Amount         int64             `json:"amount"`
	ProductID      string            `json:"product_id"`
	Quantity       int               `json:"quantity"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ReceiptDTO struct {
	RecordID string `json:"record_id"`
	DeductID string `json:"deduct_id"`
	Amount   int64  `json:"amount"`
	Balance  int64  `json:"balance"`
}

// OperationDTO represents a pending operation in admin responses.
type OperationDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	ActionKey     string            `json:"action_key"`
	TargetID      string            `json:"target_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorCode string            `json:"last_error_code,omitempty"`
	NextRetryAt   string            `json:"next_retry_at"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	CompletedAt   string            `json:"completed_at,omitempty"`
}

// RetryRequest selects operations for an immediate retry. An empty list
// processes one batch of due operations instead.
type RetryRequest struct {
	IDs []string `json:"ids,omitempty"`
}

type BatchResultDTO struct {
	Released    int `json:"released"`
	Due         int `json:"due"`
	Completed   int `json:"completed"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

type ExpireSummaryDTO struct {
	Users   int   `json:"users"`
	Entries int   `json:"entries"`
	Points  int64 `json:"points"`
	Failed  int   `json:"failed"`
}

// RecoverRequest names a purchase deduction to reverse from its stored
// links.
type RecoverRequest struct {
	UserID   string `json:"user_id"`
	DeductID string `json:"deduct_id"`
}

type RollbackDTO struct {
	UserID       string   `json:"user_id"`
	Amount       int64    `json:"amount"`
	DeductID     string   `json:"deduct_id"`
	ProcessedIDs []string `json:"processed_ids"`
	CreatedIDs   []string `json:"created_ids"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		ChangeType:     string(e.ChangeType),
		Amount:         e.Amount,
		ActionKey:      e.ActionKey,
		Reason:         e.Reason,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      formatTime(e.CreatedAt),
		ExpiresAt:      formatTimePtr(e.ExpiresAt),
		Processed:      e.IsProcessed,
		ConsumedBy:     string(e.ConsumedBy),
		SplitFrom:      string(e.SplitFrom),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toGrantResponse(sub retry.Submission) GrantResponse {
	if sub.Queued {
		return GrantResponse{Queued: true, OperationID: sub.OperationID}
	}
	return fromGrantResult(sub.Result)
}

func fromGrantResult(r rewards.GrantResult) GrantResponse {
	return GrantResponse{
		Outcome:        string(r.Outcome),
		Granted:        r.Granted,
		Amount:         r.Amount,
		EntryID:        string(r.EntryID),
		Balance:        r.Balance,
		IdempotencyKey: r.IdempotencyKey,
		OccurredAt:     formatTime(r.OccurredAt),
		ExpiresAt:      formatTime(r.ExpiresAt),
	}
}

func toReceiptDTO(r purchase.Receipt) ReceiptDTO {
	return ReceiptDTO{
		RecordID: r.RecordID,
		DeductID: string(r.DeductID),
		Amount:   r.Amount,
		Balance:  r.Balance,
	}
}

func toOperationDTO(op retry.Operation) OperationDTO {
	return OperationDTO{
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
		NextRetryAt:   formatTime(op.NextRetryAt),
		CreatedAt:     formatTime(op.CreatedAt),
		UpdatedAt:     formatTime(op.UpdatedAt),
		CompletedAt:   formatTimePtr(op.CompletedAt),
	}
}

func toOperationDTOs(ops []retry.Operation) []OperationDTO {
	dtos := make([]OperationDTO, len(ops))
	for i, op := range ops {
		dtos[i] = toOperationDTO(op)
	}
	return dtos
}

func toBatchResultDTO(r retry.BatchResult) BatchResultDTO {
	return BatchResultDTO(r)
}

func toRollbackDTO(info ledger.RollbackInfo) RollbackDTO {
	dto := RollbackDTO{
		UserID:       string(info.UserID),
		Amount:       info.Amount,
		DeductID:     string(info.DeductID),
		ProcessedIDs: make([]string, 0, len(info.ProcessedIDs)),
		CreatedIDs:   make([]string, 0, len(info.CreatedIDs)),
	}
	for _, id := range info.ProcessedIDs {
		dto.ProcessedIDs = append(dto.ProcessedIDs, string(id))
	}
	for _, id := range info.CreatedIDs {
		dto.CreatedIDs = append(dto.CreatedIDs, string(id))
	}
	return dto
}
