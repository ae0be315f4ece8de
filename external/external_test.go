package external_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/external"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/purchase"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
)

func serve(t *testing.T, r http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

// =============================================================================
// ORDER CLIENT
// =============================================================================

func TestOrderClient_CreateRecord(t *testing.T) {
	var got map[string]any
	r := chi.NewRouter()
	r.Post("/records", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "rec-9"}`))
	})

	c := external.NewOrderClient(serve(t, r)+"/", nil, time.Second)
	id, err := c.CreateRecord(context.Background(), purchase.Record{
		UserID: "u1", DeductID: "d1", Amount: 80, ProductID: "coffee", Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-9", id)
	assert.Equal(t, "d1", got["deductId"])
	assert.Equal(t, float64(80), got["amount"])
	assert.Equal(t, float64(2), got["quantity"])
}

func TestOrderClient_Failures(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/records", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "order db down", http.StatusServiceUnavailable)
	})
	c := external.NewOrderClient(serve(t, r), nil, time.Second)

	_, err := c.CreateRecord(context.Background(), purchase.Record{UserID: "u1"})
	var se *external.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "order db down", se.Body)
}

func TestOrderClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Post("/records", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-release:
		case <-req.Context().Done():
		}
	})
	url := serve(t, r)
	defer close(release)

	c := external.NewOrderClient(url, nil, 20*time.Millisecond)
	_, err := c.CreateRecord(context.Background(), purchase.Record{UserID: "u1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// DASHBOARD MIRROR
// =============================================================================

func TestDashboardMirror_Push(t *testing.T) {
	var got map[string]any
	var path string
	r := chi.NewRouter()
	r.Put("/pending-operations/{id}", func(w http.ResponseWriter, req *http.Request) {
		path = chi.URLParam(req, "id")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	m := external.NewDashboardMirror(serve(t, r), nil, time.Second)
	err := m.Push(context.Background(), retry.Operation{
		ID: "op1", UserID: "u1", ActionKey: "comment", Status: retry.StatusFailed,
		RetryCount: 5, LastErrorCode: "transient_store_failure",
	})
	require.NoError(t, err)
	assert.Equal(t, "op1", path)
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, float64(5), got["retryCount"])
	assert.Equal(t, "transient_store_failure", got["lastErrorCode"])
}

func TestDashboardMirror_QueueIgnoresFailures(t *testing.T) {
	r := chi.NewRouter()
	r.Put("/pending-operations/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	q := retry.NewQueue(retry.NewMemoryStore())
	q.Mirror = external.NewDashboardMirror(serve(t, r), nil, time.Second)

	_, created, err := q.Enqueue(context.Background(), retry.EnqueueRequest{UserID: "u1", ActionKey: "comment", TargetID: "c1"})
	require.NoError(t, err)
	assert.True(t, created)
}

// =============================================================================
// SOURCES
// =============================================================================

func TestOccurrenceClient(t *testing.T) {
	at := time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC)
	r := chi.NewRouter()
	r.Get("/occurrences/{action}/{target}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "target") != "c1" {
			http.NotFound(w, req)
			return
		}
		assert.Equal(t, "comment", chi.URLParam(req, "action"))
		json.NewEncoder(w).Encode(map[string]any{"occurredAt": at})
	})
	c := external.NewOccurrenceClient(serve(t, r), nil, time.Second)

	got, err := c.OccurrenceTime(context.Background(), "comment", "c1")
	require.NoError(t, err)
	assert.True(t, got.Equal(at))

	_, err = c.OccurrenceTime(context.Background(), "comment", "c2")
	assert.ErrorIs(t, err, rewards.ErrOccurrenceNotFound)
}

func TestPolicyClient(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/policies/{action}", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "action") {
		case "post":
			w.Write([]byte(`{"actionKey": "post", "amount": 15, "active": true, "multiplier": "1.5"}`))
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, req)
		}
	})
	c := external.NewPolicyClient(serve(t, r), nil, time.Second)
	ctx := context.Background()

	p, found, err := c.Policy(ctx, "post")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(22), p.Points())

	_, found, err = c.Policy(ctx, "teleport")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = c.Policy(ctx, "down")
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
}

func TestPolicyClient_DrivesGrantEngine(t *testing.T) {
	// GIVEN: Policies served over HTTP
	// WHEN: A grant runs against them
	// THEN: The remote amount is credited

	r := chi.NewRouter()
	r.Get("/policies/{action}", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"actionKey": "comment", "amount": 7, "active": true}`))
	})
	l := ledger.New(store.NewMemory())
	engine := rewards.NewEngine(l, external.NewPolicyClient(serve(t, r), nil, time.Second))

	res, err := engine.Grant(context.Background(), rewards.GrantRequest{
		UserID: "u1", ActionKey: rewards.ActionComment, Metadata: map[string]string{"commentId": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, rewards.OutcomeGranted, res.Outcome)
	assert.Equal(t, int64(7), res.Amount)
}
