/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes grants, purchases, balances and the retry queue over REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  ledger, rewards, purchase and retry packages.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance         Balance and spendable points
    GET    /api/users/{id}/entries         Ledger history
    POST   /api/users/{id}/grants          Grant an action reward (202 when queued)
    POST   /api/users/{id}/purchases       Debit points for a purchase

  Policies:
    GET    /api/policies                   Current policy catalog
    PUT    /api/policies                   Replace the catalog

  Admin:
    GET    /api/admin/pending              List operations (?status=&user_id=&limit=)
    GET    /api/admin/pending/counts       Operation counts by status
    GET    /api/admin/pending/{opID}       One operation
    POST   /api/admin/pending/retry        Retry selected ids, or one due batch
    POST   /api/admin/expire               Run one expiration batch (?limit=)
    POST   /api/admin/recover              Reverse a purchase deduction
    GET    /api/admin/jobs                 Last scheduler runs
    POST   /api/admin/jobs/{name}/run      Run a scheduler job now

ARCHITECTURE:
  Handler struct holds all dependencies. Every domain object is built by
  the caller (see cli/serve.go) so tests can wire in-memory stores.

REQUEST FLOW:
  1. Parse HTTP request
  2. Call domain logic (granter, coordinator, ledger, processor)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as ErrorResponse with a stable code from
  ledger.ErrorCode:
  - 400: invalid input, malformed JSON
  - 401: missing or wrong admin token
  - 404: user entry, pending operation or job not found
  - 409: duplicate operation, rollback conflict
  - 422: insufficient balance (details carry available/requested)
  - 500: critical rollback failure, internal errors
  - 502: external side effect failed (debit rolled back)
  - 503: transient store failure
  - 504: deadline exceeded

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/purchase"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/scheduler"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Granter   *retry.Granter
	Purchases *purchase.Coordinator
	Queue     *retry.Queue
	Processor *retry.Processor
	Scheduler *scheduler.Scheduler // optional

	Policies      *rewards.PolicyTable
	Actions       *rewards.Registry
	PolicyFactory *factory.PolicyFactory

	DB          Pinger // optional
	ExpireBatch int
	Logger      *slog.Logger
}

func (h *Handler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "api")
	}
	return h.Logger
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// GetBalance returns the cached balance and the currently spendable sum.
// The two differ while expired entries wait for the expiration job.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	bal, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	spendable, err := h.Ledger.Spendable(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:    string(userID),
		Rewards:   bal.Rewards,
		Spendable: spendable,
		UpdatedAt: formatTime(bal.UpdatedAt),
	})
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.History(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Grant credits an action reward. Transient failures are queued for
// background retry and answered with 202.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	sub, err := h.Granter.GrantOrEnqueue(r.Context(), rewards.GrantRequest{
		UserID:    ledger.UserID(chi.URLParam(r, "id")),
		ActionKey: req.ActionKey,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	switch {
	case sub.Queued:
		status = http.StatusAccepted
	case sub.Result.Granted:
		status = http.StatusCreated
	}
	writeJSON(w, status, toGrantResponse(sub))
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	receipt, err := h.Purchases.Purchase(r.Context(), purchase.Order{
		UserID:         ledger.UserID(chi.URLParam(r, "id")),
		Amount:         req.Amount,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

// =============================================================================
// POLICY ENDPOINTS
// =============================================================================

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Policies.All()))
}

// ReplacePolicies swaps the whole catalog. The previous catalog stays in
// place when the new one does not validate.
func (h *Handler) ReplacePolicies(w http.ResponseWriter, r *http.Request) {
	var cj factory.CatalogJSON
	if err := decodeJSON(r, &cj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	catalog, err := h.PolicyFactory.FromJSON(cj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy catalog", err)
		return
	}
	if err := h.PolicyFactory.Apply(catalog, h.Policies, h.Actions); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy catalog", err)
		return
	}

	h.log().Info("policy catalog replaced", "policies", len(catalog.Policies), "actions", len(catalog.Actions))
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Policies.All()))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := retry.Filter{
		Status: retry.Status(q.Get("status")),
		UserID: ledger.UserID(q.Get("user_id")),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = limit
	}
	switch f.Status {
	case "", retry.StatusPending, retry.StatusProcessing, retry.StatusCompleted, retry.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}

	ops, err := h.Queue.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTOs(ops))
}

func (h *Handler) PendingCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Queue.Counts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := map[string]int{
		string(retry.StatusPending):    0,
		string(retry.StatusProcessing): 0,
		string(retry.StatusCompleted):  0,
		string(retry.StatusFailed):     0,
	}
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	op, err := h.Queue.Get(r.Context(), chi.URLParam(r, "opID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

// RetryPending replays the given ids immediately, or one batch of due
// operations when no ids are given.
func (h *Handler) RetryPending(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}

	var (
		res retry.BatchResult
		err error
	)
	if len(req.IDs) > 0 {
		res, err = h.Processor.RetryNow(r.Context(), req.IDs)
	} else {
		res, err = h.Processor.ProcessBatch(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(res))
}

func (h *Handler) TriggerExpire(w http.ResponseWriter, r *http.Request) {
	limit := h.ExpireBatch
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	sum, err := h.Ledger.ExpireBatch(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireSummaryDTO(sum))
}

// RecoverDeduction reverses a purchase deduction whose rollback data was
// lost. Used to reconcile critical rollback failures.
func (h *Handler) RecoverDeduction(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	info, err := h.Purchases.Recover(r.Context(), ledger.UserID(req.UserID), ledger.EntryID(req.DeductID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRollbackDTO(info))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.RunRecord{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.LastRuns())
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not configured", nil)
		return
	}
	rec, err := h.Scheduler.RunNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fail maps a domain error to its status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: ledger.ErrorCode(err), Details: err.Error()}

	var short *ledger.InsufficientBalanceError
	if errors.As(err, &short) {
		resp.Details = map[string]any{"available": short.Available, "requested": short.Requested}
	}

	switch {
	case status == http.StatusInternalServerError:
		h.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "code", resp.Code, "error", err)
	case status >= http.StatusBadGateway:
		h.log().Warn("request failed", "method", r.Method, "path", r.URL.Path, "code", resp.Code, "error", err)
	}
	writeJSON(w, status, resp)
}

// statusFor checks the compensation errors first: they wrap the cause
// that triggered them.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrCriticalRollback):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrExternalSideEffect):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, retry.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateOperation),
		errors.Is(err, ledger.ErrRollbackConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransientStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
