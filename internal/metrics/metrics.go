// Package metrics registers the Prometheus instruments for the reservation
// manager. Everything is exposed on /metrics via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReserveAttempts counts reserve calls by outcome: reserved,
	// insufficient_stock, busy, error.
	ReserveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockhold_reserve_attempts_total",
		Help: "Reserve attempts by outcome.",
	}, []string{"outcome"})

	// Transitions counts reservation state transitions by target state.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockhold_reservation_transitions_total",
		Help: "Reservation state transitions by target state.",
	}, []string{"to"})

	// LockTimeouts counts item lock waits that exceeded the bounded timeout,
	// including retries.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockhold_lock_timeouts_total",
		Help: "Item lock waits that exceeded the bounded timeout.",
	})

	// SweepRuns counts sweeper ticks by outcome: ok, error, skipped.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockhold_sweep_runs_total",
		Help: "Sweeper runs by outcome.",
	}, []string{"outcome"})

	// SweepExpired counts reservations the sweeper moved to EXPIRED.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockhold_sweep_expired_total",
		Help: "Reservations expired by the sweeper.",
	})

	// OpDuration observes wall time per manager operation.
	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockhold_operation_duration_seconds",
		Help:    "Manager operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveOp records one operation's latency; call as
// defer metrics.ObserveOp("reserve", time.Now()).
func ObserveOp(op string, start time.Time) {
	OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
