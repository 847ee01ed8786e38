// SPDX-License-Identifier: MIT

package metrics

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/log"
)

// Aggregator keeps process-local running totals of the presence counters and
// emits a structured summary line every Interval events. Breach and
// lock-failure events are additionally logged immediately by their callers;
// the aggregate line exists so quiet deployments still surface trends.
type Aggregator struct {
	Interval uint64
	logger   zerolog.Logger

	events            atomic.Uint64
	reconnectSamples  atomic.Uint64
	reconnectBreaches atomic.Uint64
	conflicts         atomic.Uint64
	lockFailures      atomic.Uint64
	cleanupScheduled  atomic.Uint64
	cleanupExecuted   atomic.Uint64
}

// NewAggregator returns an aggregator logging every interval events.
// Interval 0 defaults to 25.
func NewAggregator(interval uint64, logger zerolog.Logger) *Aggregator {
	if interval == 0 {
		interval = 25
	}
	return &Aggregator{Interval: interval, logger: logger}
}

// Reconnect records a reconnect sample, breach indicates an SLO miss.
func (a *Aggregator) Reconnect(seconds float64, breach bool) {
	ObserveReconnect(seconds)
	a.reconnectSamples.Add(1)
	if breach {
		IncReconnectBreach()
		a.reconnectBreaches.Add(1)
	}
	a.tick()
}

// Conflict records a CONFLICT handed to a client.
func (a *Aggregator) Conflict() {
	IncConflict()
	a.conflicts.Add(1)
	a.tick()
}

// LockFailure records a lock-infrastructure failure.
func (a *Aggregator) LockFailure() {
	IncLockAcquireFailure()
	a.lockFailures.Add(1)
	a.tick()
}

// CleanupScheduled records a scheduled stale-member cleanup.
func (a *Aggregator) CleanupScheduled() {
	IncCleanupScheduled()
	a.cleanupScheduled.Add(1)
	a.tick()
}

// CleanupExecuted records an executed stale-member cleanup.
func (a *Aggregator) CleanupExecuted() {
	IncCleanupExecuted()
	a.cleanupExecuted.Add(1)
	a.tick()
}

func (a *Aggregator) tick() {
	n := a.events.Add(1)
	if n%a.Interval != 0 {
		return
	}
	a.logger.Info().
		Str(log.FieldEvent, "presence.counters").
		Uint64("reconnect_samples", a.reconnectSamples.Load()).
		Uint64("reconnect_breaches", a.reconnectBreaches.Load()).
		Uint64("conflict_errors", a.conflicts.Load()).
		Uint64("lock_acquire_failures", a.lockFailures.Load()).
		Uint64("cleanup_scheduled", a.cleanupScheduled.Load()).
		Uint64("cleanup_executed", a.cleanupExecuted.Load()).
		Msg("presence counter summary")
}
