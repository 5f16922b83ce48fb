package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Metrics implements credit.Metrics using Prometheus.
type Metrics struct {
	consumedUnitsTotal         *prometheus.CounterVec
	consumptionAmount          *prometheus.HistogramVec
	reservationsTotal          *prometheus.CounterVec
	reservationDuration        *prometheus.HistogramVec
	rechargedUnitsTotal        *prometheus.CounterVec
	securityBlocksTotal        *prometheus.CounterVec
	pendingJobEventsTotal      *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	orchestrationsTotal        *prometheus.CounterVec
	orchestrationDuration      *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ credit.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumedUnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_units_total",
			Help:      "Total number of units consumed, by command and balance.",
		}, []string{"command", "type"}),

		consumptionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumption_units",
			Help:      "Distribution of units per consumption.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}, []string{"command"}),

		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of quota reservations, by outcome.",
		}, []string{"outcome"}),

		reservationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_duration_seconds",
			Help:      "Latency of quota reservations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		rechargedUnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recharged_units_total",
			Help:      "Total number of purchased units credited.",
		}, []string{"type"}),

		securityBlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_blocks_total",
			Help:      "Total number of content-policy rejections, by escalation action.",
		}, []string{"action"}),

		pendingJobEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_job_events_total",
			Help:      "Total number of pending job lifecycle events.",
		}, []string{"event"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of ledger table operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table", "operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of ledger table operation errors.",
		}, []string{"table", "operation"}),

		orchestrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Total number of generation requests, by terminal state.",
		}, []string{"command", "outcome"}),

		orchestrationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "Wall-clock duration of generation requests.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"command"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordConsumption(command string, consumptionType credit.ConsumptionType, units int) {
	m.consumedUnitsTotal.WithLabelValues(command, string(consumptionType)).Add(float64(units))
	m.consumptionAmount.WithLabelValues(command).Observe(float64(units))
}

func (m *Metrics) RecordReservation(outcome string, duration time.Duration) {
	m.reservationsTotal.WithLabelValues(outcome).Inc()
	m.reservationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordRecharge(rechargeType credit.RechargeType, units int) {
	m.rechargedUnitsTotal.WithLabelValues(string(rechargeType)).Add(float64(units))
}

func (m *Metrics) RecordSecurityBlock(action string) {
	m.securityBlocksTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordPendingJob(event string) {
	m.pendingJobEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordStorageOperation(table, operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(table, operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(table, operation).Inc()
	}
}

func (m *Metrics) RecordOrchestration(command, outcome string, duration time.Duration) {
	m.orchestrationsTotal.WithLabelValues(command, outcome).Inc()
	m.orchestrationDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
