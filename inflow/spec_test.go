package inflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ra/provider"
)

func TestDefaultActivationSpec(t *testing.T) {
	spec := DefaultActivationSpec()
	assert.Equal(t, 1, spec.MinSession)
	assert.Equal(t, 15, spec.MaxSession)
	assert.Equal(t, 1, spec.MaxMessages)
	assert.Equal(t, -1, spec.ReconnectAttempts)
	assert.Equal(t, 10*time.Second, spec.ReconnectDelay())
	assert.Equal(t, provider.AutoAcknowledge, spec.AckMode())
	assert.False(t, spec.Durable())
	assert.Equal(t, provider.KindAgnostic, spec.DestinationKind())
}

func TestActivationSpecValidate(t *testing.T) {
	valid := func() ActivationSpec {
		spec := DefaultActivationSpec()
		spec.Destination = "orders"
		spec.ConnectionFactory = "cf"
		return spec
	}

	require.NoError(t, func() error { s := valid(); return s.Validate() }())

	tests := []struct {
		name  string
		field string
		edit  func(*ActivationSpec)
	}{
		{"missing destination", "destination", func(s *ActivationSpec) { s.Destination = " " }},
		{"missing connection factory", "connection_factory", func(s *ActivationSpec) { s.ConnectionFactory = "" }},
		{"unknown destination type", "destination_type", func(s *ActivationSpec) { s.DestinationType = "exchange" }},
		{"unknown ack mode", "acknowledge_mode", func(s *ActivationSpec) { s.AcknowledgeMode = "CLIENT_ACKNOWLEDGE" }},
		{"unknown durability", "subscription_durability", func(s *ActivationSpec) { s.SubscriptionDurability = "Sometimes" }},
		{"durable without name", "subscription_name", func(s *ActivationSpec) { s.SubscriptionDurability = Durable }},
		{"negative min session", "min_session", func(s *ActivationSpec) { s.MinSession = -1 }},
		{"zero max session", "max_session", func(s *ActivationSpec) { s.MaxSession = 0; s.MinSession = 0 }},
		{"min above max", "min_session", func(s *ActivationSpec) { s.MinSession = 5; s.MaxSession = 2 }},
		{"zero max messages", "max_messages", func(s *ActivationSpec) { s.MaxMessages = 0 }},
		{"reconnect attempts below -1", "reconnect_attempts", func(s *ActivationSpec) { s.ReconnectAttempts = -2 }},
		{"negative reconnect interval", "reconnect_interval", func(s *ActivationSpec) { s.ReconnectInterval = -time.Second }},
		{"negative transaction timeout", "transaction_timeout", func(s *ActivationSpec) { s.TransactionTimeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid()
			tt.edit(&spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestActivationSpecAccessors(t *testing.T) {
	spec := DefaultActivationSpec()
	spec.DestinationType = "javax.jms.Topic"
	spec.AcknowledgeMode = "DUPS_OK_ACKNOWLEDGE"
	spec.SubscriptionDurability = Durable
	assert.Equal(t, provider.KindTopic, spec.DestinationKind())
	assert.Equal(t, provider.DupsOKAcknowledge, spec.AckMode())
	assert.True(t, spec.Durable())
}

func TestActivationSpecStringMasksPassword(t *testing.T) {
	spec := DefaultActivationSpec()
	spec.Destination = "orders"
	spec.User = "guest"
	spec.Password = "s3cret"

	s := spec.String()
	assert.Contains(t, s, "destination=orders")
	assert.Contains(t, s, "user=guest")
	assert.Contains(t, s, "password=<not shown>")
	assert.NotContains(t, s, "s3cret")
}
