// Package metrics holds the Prometheus collectors of the resource adapter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmate_ra_pool_sessions",
		Help: "Server sessions held by a session pool, by state (idle or busy)",
	}, []string{"destination", "state"})

	PoolSessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmate_ra_pool_sessions_created_total",
		Help: "Server sessions created by session pools",
	}, []string{"destination"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmate_ra_deliveries_total",
		Help: "Messages delivered to endpoints, by outcome",
	}, []string{"destination", "outcome"})

	RecoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmate_ra_recovery_attempts_total",
		Help: "Reconnect attempts made by activations, by outcome",
	}, []string{"destination", "outcome"})

	ActivationState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmate_ra_activation_state",
		Help: "Current activation state (0 inactive, 1 starting, 2 active, 3 recovering, 4 stopped)",
	}, []string{"destination"})

	ManagedConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmate_ra_managed_connections",
		Help: "Outbound managed connections, by state (open or destroyed)",
	}, []string{"state"})

	LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mmate_ra_lock_timeouts_total",
		Help: "Managed connection lock acquisitions that timed out or were interrupted",
	})
)

// Delivery outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeSuccess   = "success"
)

func label(destination string) string {
	if destination == "" {
		return "unknown"
	}
	return destination
}

// SetPoolSessions records the idle and busy session counts of a pool
func SetPoolSessions(destination string, idle, busy int) {
	destination = label(destination)
	PoolSessions.WithLabelValues(destination, "idle").Set(float64(idle))
	PoolSessions.WithLabelValues(destination, "busy").Set(float64(busy))
}

// IncSessionsCreated records a lazily or eagerly created server session
func IncSessionsCreated(destination string) {
	PoolSessionsCreatedTotal.WithLabelValues(label(destination)).Inc()
}

// IncDelivery records one delivery with its outcome
func IncDelivery(destination, outcome string) {
	DeliveriesTotal.WithLabelValues(label(destination), outcome).Inc()
}

// IncRecoveryAttempt records one reconnect attempt with its outcome
func IncRecoveryAttempt(destination, outcome string) {
	RecoveryAttemptsTotal.WithLabelValues(label(destination), outcome).Inc()
}

// SetActivationState records the numeric state of an activation
func SetActivationState(destination string, state int) {
	ActivationState.WithLabelValues(label(destination)).Set(float64(state))
}

// ManagedConnectionOpened records a newly set up managed connection
func ManagedConnectionOpened() {
	ManagedConnections.WithLabelValues("open").Inc()
}

// ManagedConnectionDestroyed moves a managed connection from open to destroyed
func ManagedConnectionDestroyed() {
	ManagedConnections.WithLabelValues("open").Dec()
	ManagedConnections.WithLabelValues("destroyed").Inc()
}

// IncLockTimeout records a failed lock acquisition
func IncLockTimeout() {
	LockTimeoutsTotal.Inc()
}
