// Package metrics declares the Prometheus collectors for the reward ledger.
//
// Collectors register with the default registry at init; /metrics in the
// api package serves them through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rewards"

// ═══════════════════════════════════════════════════════════════════════════
// Ledger
// ═══════════════════════════════════════════════════════════════════════════

// GrantsTotal counts grant attempts by outcome (granted, duplicate,
// no_policy, daily_limit, error).
var GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "grants_total",
	Help:      "Total grant attempts by outcome.",
}, []string{"action", "outcome"})

var GrantedPoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "granted_points_total",
	Help:      "Total points credited by action.",
}, []string{"action"})

var DebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "debits_total",
	Help:      "Total purchase debits by result.",
}, []string{"result"})

var DebitedPoints = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "debited_points_total",
	Help:      "Total points spent by committed purchases.",
})

var RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "rollbacks_total",
	Help:      "Total compensating rollbacks by result (ok, critical).",
}, []string{"result"})

var ExpiredPoints = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "expired_points_total",
	Help:      "Total points reclaimed by expiration runs.",
})

// ExpirationShortfall counts points an expiration run could not take from
// the balance because the balance was already lower than the expiring
// entries. Any increase means the ledger needs reconciliation.
var ExpirationShortfall = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "expiration_shortfall_points_total",
	Help:      "Total expiring points missing from the balance.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Retry queue
// ═══════════════════════════════════════════════════════════════════════════

var RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Total retry attempts by result (completed, rescheduled, failed).",
}, []string{"result"})

var EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "enqueued_total",
	Help:      "Total enqueue calls by result (created, deduplicated).",
}, []string{"result"})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "queue_depth",
	Help:      "Pending operations by status, sampled after each batch.",
}, []string{"status"})

var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "batch_duration_seconds",
	Help:      "Duration of one retry batch.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
})

var MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "retry",
	Name:      "mirror_failures_total",
	Help:      "Total failed best-effort dashboard pushes.",
})
