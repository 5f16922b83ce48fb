package credit

import "time"

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordConsumption records a committed consumption.
	RecordConsumption(command string, consumptionType ConsumptionType, units int)

	// RecordReservation records a reservation outcome ("allowed", "exempt", "quota_exceeded", "rate_limited").
	RecordReservation(outcome string, duration time.Duration)

	// RecordRecharge records credited units.
	RecordRecharge(rechargeType RechargeType, units int)

	// RecordSecurityBlock records an escalation action ("ignored", "warned", "deducted").
	RecordSecurityBlock(action string)

	// RecordPendingJob records a pending job lifecycle event
	// ("registered", "rejected", "charged", "failed", "expired").
	RecordPendingJob(event string)

	// RecordStorageOperation records the duration and status of a table operation.
	RecordStorageOperation(table, operation string, duration time.Duration, err error)

	// RecordOrchestration records the terminal state of a generation request.
	RecordOrchestration(command, outcome string, duration time.Duration)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsumption(command string, consumptionType ConsumptionType, units int) {}
func (n *NoopMetrics) RecordReservation(outcome string, duration time.Duration)                     {}
func (n *NoopMetrics) RecordRecharge(rechargeType RechargeType, units int)                          {}
func (n *NoopMetrics) RecordSecurityBlock(action string)                                            {}
func (n *NoopMetrics) RecordPendingJob(event string)                                                {}
func (n *NoopMetrics) RecordStorageOperation(table, operation string, duration time.Duration, err error) {
}
func (n *NoopMetrics) RecordOrchestration(command, outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                        {}
