// SPDX-License-Identifier: MIT

// Package metrics exposes the listen-together observability counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_reconnect_samples_total",
		Help: "Reconnect latency samples recorded on member rejoin within the disconnect grace window",
	})

	reconnectBreachesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_reconnect_breaches_total",
		Help: "Reconnect samples exceeding the reconnect-latency SLO",
	})

	reconnectLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "listend_reconnect_latency_seconds",
		Help:    "Wall-clock interval between a member's disconnect and successful rejoin",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
	})

	conflictErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_conflict_errors_total",
		Help: "Mutations rejected with a transient CONFLICT (lock contention or stale snapshot)",
	})

	lockAcquireFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_lock_acquire_failures_total",
		Help: "Mutation-lock acquisitions that failed for transport reasons (not contention)",
	})

	cleanupScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_disconnect_cleanup_scheduled_total",
		Help: "Stale-member cleanups scheduled after a member lost its last socket",
	})

	cleanupExecutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listend_disconnect_cleanup_executed_total",
		Help: "Stale-member cleanups that fired with the member still fully disconnected",
	})

	fanoutEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listend_fanout_events_total",
		Help: "Events broadcast to group rooms by wire event name",
	}, []string{"event"})

	busSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listend_bus_snapshots_total",
		Help: "Cluster-bus snapshots by outcome (applied, stale, self, ended)",
	}, []string{"outcome"})
)

// ObserveReconnect records one reconnect latency sample.
func ObserveReconnect(seconds float64) {
	reconnectSamplesTotal.Inc()
	reconnectLatencySeconds.Observe(seconds)
}

// IncReconnectBreach counts a reconnect sample above the SLO target.
func IncReconnectBreach() {
	reconnectBreachesTotal.Inc()
}

// IncConflict counts a CONFLICT returned to a client.
func IncConflict() {
	conflictErrorsTotal.Inc()
}

// IncLockAcquireFailure counts a lock-infrastructure failure.
func IncLockAcquireFailure() {
	lockAcquireFailuresTotal.Inc()
}

// IncCleanupScheduled counts a scheduled disconnect-grace cleanup.
func IncCleanupScheduled() {
	cleanupScheduledTotal.Inc()
}

// IncCleanupExecuted counts an executed disconnect-grace cleanup.
func IncCleanupExecuted() {
	cleanupExecutedTotal.Inc()
}

// IncFanoutEvent counts one room broadcast for a wire event name.
func IncFanoutEvent(event string) {
	fanoutEventsTotal.WithLabelValues(event).Inc()
}

// IncBusSnapshot counts one cluster-bus delivery by outcome.
func IncBusSnapshot(outcome string) {
	busSnapshotsTotal.WithLabelValues(normalizeBusOutcome(outcome)).Inc()
}

func normalizeBusOutcome(outcome string) string {
	switch outcome {
	case "applied", "stale", "self", "ended":
		return outcome
	default:
		return "unknown"
	}
}
