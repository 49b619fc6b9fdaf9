// Package metrics holds the Prometheus instruments of the write path. All
// methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beeorm"

// Metrics groups the instruments registered by New.
type Metrics struct {
	flushes              *prometheus.CounterVec
	flushDuration        *prometheus.HistogramVec
	reservationConflicts *prometheus.CounterVec
	queueAppends         prometheus.Counter
	replayed             *prometheus.CounterVec
	leaseUnavailable     prometheus.Counter
	queryLookups         *prometheus.CounterVec
	entityLookups        *prometheus.CounterVec
	invalidationFailures *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Flushed change sets by mode and outcome.",
		}, []string{"mode", "outcome"}),
		flushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds",
			Help:    "Time spent flushing one change set.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		reservationConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unique_conflicts_total",
			Help: "Unique index reservations refused because another row owns the tuple.",
		}, []string{"entity", "index"}),
		queueAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_appends_total",
			Help: "Records appended to the deferred queue.",
		}),
		replayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replayed_records_total",
			Help: "Deferred records processed by outcome.",
		}, []string{"outcome"}),
		leaseUnavailable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_unavailable_total",
			Help: "Consumer batches skipped because another consumer holds the lease.",
		}),
		queryLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cached_query_lookups_total",
			Help: "Cached query resolutions by result.",
		}, []string{"entity", "result"}),
		entityLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entity_cache_lookups_total",
			Help: "Primary-cache and unique lookup reads by result.",
		}, []string{"entity", "result"}),
		invalidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_invalidation_failures_total",
			Help: "Best-effort cache deletes that failed.",
		}, []string{"pool"}),
	}
}

// Flush records one flush.
func (m *Metrics) Flush(mode string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.flushes.WithLabelValues(mode, outcome).Inc()
	m.flushDuration.WithLabelValues(mode).Observe(took.Seconds())
}

// ReservationConflict records a refused unique index reservation.
func (m *Metrics) ReservationConflict(entity, index string) {
	if m == nil {
		return
	}
	m.reservationConflicts.WithLabelValues(entity, index).Inc()
}

// QueueAppend records a deferred record append.
func (m *Metrics) QueueAppend() {
	if m == nil {
		return
	}
	m.queueAppends.Inc()
}

// Replayed records the outcome of one deferred record.
func (m *Metrics) Replayed(outcome string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(outcome).Inc()
}

// LeaseUnavailable records a batch skipped for lack of the lease.
func (m *Metrics) LeaseUnavailable() {
	if m == nil {
		return
	}
	m.leaseUnavailable.Inc()
}

// QueryLookup records a cached query hit or miss.
func (m *Metrics) QueryLookup(entity string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.queryLookups.WithLabelValues(entity, result).Inc()
}

// EntityLookup records a primary-cache or unique lookup hit or miss.
func (m *Metrics) EntityLookup(entity string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.entityLookups.WithLabelValues(entity, result).Inc()
}

// InvalidationFailure records a failed cache delete on pool.
func (m *Metrics) InvalidationFailure(pool string) {
	if m == nil {
		return
	}
	m.invalidationFailures.WithLabelValues(pool).Inc()
}
