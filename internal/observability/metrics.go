package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal tracks migration session outcomes
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_sessions_total",
			Help: "Total number of migration sessions by final status",
		},
		[]string{"status"},
	)

	// ActiveSessions tracks currently executing sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "web_migrate_active_sessions",
			Help: "Number of sessions currently running",
		},
	)

	// StepDuration tracks wall time per migration step
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "web_migrate_step_duration_seconds",
			Help:    "Duration of migration steps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~54 minutes
		},
		[]string{"step", "status"},
	)

	// TransferBytes tracks bytes moved by the transfer stage
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_transfer_bytes_total",
			Help: "Total bytes transferred during migrations",
		},
		[]string{"method"},
	)

	// DatabaseRecords tracks records processed by the database stage
	DatabaseRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_database_records_total",
			Help: "Total database records migrated",
		},
		[]string{"engine"},
	)

	// HybridOperations tracks hot-path operation dispatch by backend
	HybridOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_hybrid_operations_total",
			Help: "Hot-path operations by backend and outcome",
		},
		[]string{"operation", "backend", "status"},
	)

	// PoolResources tracks resource pool occupancy
	PoolResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "web_migrate_pool_resources",
			Help: "Resource pool occupancy by pool and state",
		},
		[]string{"pool", "state"},
	)

	// PoolWaitDuration tracks how long acquirers waited for a lease
	PoolWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "web_migrate_pool_wait_seconds",
			Help:    "Time spent waiting for a pooled resource",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"pool"},
	)

	// SubscriberEventsDropped counts events dropped on slow subscribers
	SubscriberEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_subscriber_dropped_events_total",
			Help: "Progress or performance events dropped due to full subscriber queues",
		},
		[]string{"pipeline"},
	)

	// AuthEvents tracks authentication outcomes
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_auth_events_total",
			Help: "Authentication events by type",
		},
		[]string{"event"},
	)

	// RateLimitHits counts rejected requests per client kind
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"client_kind"},
	)

	// ReportsGenerated tracks report output
	ReportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_reports_generated_total",
			Help: "Reports generated by kind and format",
		},
		[]string{"kind", "format"},
	)

	// RollbacksTotal tracks rollback outcomes
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web_migrate_rollbacks_total",
			Help: "Rollback attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Metrics provides access to all application metrics
type Metrics struct{}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSession records a terminal session status
func (m *Metrics) RecordSession(status string) {
	SessionsTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the number of running sessions
func (m *Metrics) SetActiveSessions(count float64) {
	ActiveSessions.Set(count)
}

// RecordStep records a finished step with its duration
func (m *Metrics) RecordStep(step, status string, seconds float64) {
	StepDuration.WithLabelValues(step, status).Observe(seconds)
}

// RecordTransfer adds transferred bytes for a method
func (m *Metrics) RecordTransfer(method string, bytes float64) {
	TransferBytes.WithLabelValues(method).Add(bytes)
}

// RecordDatabaseRecords adds migrated record counts for an engine
func (m *Metrics) RecordDatabaseRecords(engine string, records float64) {
	DatabaseRecords.WithLabelValues(engine).Add(records)
}

// RecordHybridOp records a hot-path operation outcome
func (m *Metrics) RecordHybridOp(operation, backend, status string) {
	HybridOperations.WithLabelValues(operation, backend, status).Inc()
}

// SetPoolGauge sets a pool occupancy gauge
func (m *Metrics) SetPoolGauge(pool, state string, value float64) {
	PoolResources.WithLabelValues(pool, state).Set(value)
}

// ObservePoolWait records the wait time for a pool acquire
func (m *Metrics) ObservePoolWait(pool string, seconds float64) {
	PoolWaitDuration.WithLabelValues(pool).Observe(seconds)
}

// RecordDroppedEvent counts a dropped subscriber event
func (m *Metrics) RecordDroppedEvent(pipeline string) {
	SubscriberEventsDropped.WithLabelValues(pipeline).Inc()
}

// RecordAuthEvent counts an authentication outcome
func (m *Metrics) RecordAuthEvent(event string) {
	AuthEvents.WithLabelValues(event).Inc()
}

// RecordRateLimitHit counts a rate-limited request
func (m *Metrics) RecordRateLimitHit(clientKind string) {
	RateLimitHits.WithLabelValues(clientKind).Inc()
}

// RecordReport counts a generated report
func (m *Metrics) RecordReport(kind, format string) {
	ReportsGenerated.WithLabelValues(kind, format).Inc()
}

// RecordRollback counts a rollback attempt
func (m *Metrics) RecordRollback(outcome string) {
	RollbacksTotal.WithLabelValues(outcome).Inc()
}
