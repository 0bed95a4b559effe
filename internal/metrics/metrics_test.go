package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	t.Run("pool sessions", func(t *testing.T) {
		SetPoolSessions("queue/metrics-test", 3, 2)
		assert.Equal(t, 3.0, testutil.ToFloat64(PoolSessions.WithLabelValues("queue/metrics-test", "idle")))
		assert.Equal(t, 2.0, testutil.ToFloat64(PoolSessions.WithLabelValues("queue/metrics-test", "busy")))
	})

	t.Run("empty destination is labelled unknown", func(t *testing.T) {
		before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("unknown", OutcomeDelivered))
		IncDelivery("", OutcomeDelivered)
		assert.Equal(t, before+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("unknown", OutcomeDelivered)))
	})

	t.Run("managed connections move from open to destroyed", func(t *testing.T) {
		open := testutil.ToFloat64(ManagedConnections.WithLabelValues("open"))
		destroyed := testutil.ToFloat64(ManagedConnections.WithLabelValues("destroyed"))

		ManagedConnectionOpened()
		ManagedConnectionDestroyed()

		assert.Equal(t, open, testutil.ToFloat64(ManagedConnections.WithLabelValues("open")))
		assert.Equal(t, destroyed+1, testutil.ToFloat64(ManagedConnections.WithLabelValues("destroyed")))
	})

	t.Run("lock timeouts", func(t *testing.T) {
		before := testutil.ToFloat64(LockTimeoutsTotal)
		IncLockTimeout()
		assert.Equal(t, before+1, testutil.ToFloat64(LockTimeoutsTotal))
	})

	t.Run("activation state and recovery", func(t *testing.T) {
		SetActivationState("topic/metrics-test", 3)
		assert.Equal(t, 3.0, testutil.ToFloat64(ActivationState.WithLabelValues("topic/metrics-test")))

		IncRecoveryAttempt("topic/metrics-test", OutcomeFailed)
		assert.Equal(t, 1.0, testutil.ToFloat64(RecoveryAttemptsTotal.WithLabelValues("topic/metrics-test", OutcomeFailed)))
		IncSessionsCreated("topic/metrics-test")
		assert.Equal(t, 1.0, testutil.ToFloat64(PoolSessionsCreatedTotal.WithLabelValues("topic/metrics-test")))
	})
}
