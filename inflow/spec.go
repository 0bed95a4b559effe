package inflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-ra/provider"
)

// Subscription durability values
const (
	Durable    = "Durable"
	NonDurable = "NonDurable"
)

// ActivationSpec configures one activation
type ActivationSpec struct {
	Destination            string        `mapstructure:"destination" yaml:"destination" validate:"required"`
	DestinationType        string        `mapstructure:"destination_type" yaml:"destination_type,omitempty"`
	ConnectionFactory      string        `mapstructure:"connection_factory" yaml:"connection_factory" validate:"required"`
	JNDIParameters         string        `mapstructure:"jndi_parameters" yaml:"jndi_parameters,omitempty"`
	MessageSelector        string        `mapstructure:"message_selector" yaml:"message_selector,omitempty"`
	AcknowledgeMode        string        `mapstructure:"acknowledge_mode" yaml:"acknowledge_mode"`
	SubscriptionDurability string        `mapstructure:"subscription_durability" yaml:"subscription_durability" validate:"omitempty,oneof=Durable NonDurable"`
	SubscriptionName       string        `mapstructure:"subscription_name" yaml:"subscription_name,omitempty"`
	ClientID               string        `mapstructure:"client_id" yaml:"client_id,omitempty"`
	User                   string        `mapstructure:"user" yaml:"user,omitempty"`
	Password               string        `mapstructure:"password" yaml:"password,omitempty"`
	MinSession             int           `mapstructure:"min_session" yaml:"min_session" validate:"gte=0"`
	MaxSession             int           `mapstructure:"max_session" yaml:"max_session" validate:"gte=1"`
	MaxMessages            int           `mapstructure:"max_messages" yaml:"max_messages" validate:"gte=1"`
	ReconnectAttempts      int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts" validate:"gte=-1"`
	ReconnectInterval      time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval" validate:"gte=0"`
	TransactionTimeout     int           `mapstructure:"transaction_timeout" yaml:"transaction_timeout,omitempty" validate:"gte=0"`
}

// DefaultActivationSpec returns a spec holding the default values
func DefaultActivationSpec() ActivationSpec {
	return ActivationSpec{
		AcknowledgeMode:        provider.AutoAcknowledge.String(),
		SubscriptionDurability: NonDurable,
		MinSession:             1,
		MaxSession:             15,
		MaxMessages:            1,
		ReconnectAttempts:      -1,
		ReconnectInterval:      10 * time.Second,
	}
}

// Validate checks the activation settings. Every problem is a *ConfigError wrapping
// ErrInvalidConfiguration.
func (s *ActivationSpec) Validate() error {
	now := time.Now()
	invalid := func(field, reason string) error {
		return &ConfigError{Field: field, Reason: reason, Timestamp: now}
	}

	if strings.TrimSpace(s.Destination) == "" {
		return invalid("destination", "is mandatory")
	}
	if strings.TrimSpace(s.ConnectionFactory) == "" {
		return invalid("connection_factory", "is mandatory")
	}
	if _, err := provider.ParseDestinationKind(s.DestinationType); err != nil {
		return invalid("destination_type", err.Error())
	}
	if _, err := provider.ParseAckMode(s.AcknowledgeMode); err != nil {
		return invalid("acknowledge_mode", err.Error())
	}
	switch s.SubscriptionDurability {
	case "", Durable, NonDurable:
	default:
		return invalid("subscription_durability", fmt.Sprintf("unsupported value %q", s.SubscriptionDurability))
	}
	if s.Durable() && strings.TrimSpace(s.SubscriptionName) == "" {
		return invalid("subscription_name", "is mandatory for durable subscriptions")
	}
	if s.MinSession < 0 {
		return invalid("min_session", "must not be negative")
	}
	if s.MaxSession < 1 {
		return invalid("max_session", "must be at least 1")
	}
	if s.MinSession > s.MaxSession {
		return invalid("min_session", fmt.Sprintf("%d exceeds max_session %d", s.MinSession, s.MaxSession))
	}
	if s.MaxMessages < 1 {
		return invalid("max_messages", "must be at least 1")
	}
	if s.ReconnectAttempts < -1 {
		return invalid("reconnect_attempts", "must be -1 (unlimited) or more")
	}
	if s.ReconnectInterval < 0 {
		return invalid("reconnect_interval", "must not be negative")
	}
	if s.TransactionTimeout < 0 {
		return invalid("transaction_timeout", "must not be negative")
	}
	return nil
}

// Durable reports whether the subscription is durable
func (s *ActivationSpec) Durable() bool {
	return s.SubscriptionDurability == Durable
}

// DestinationKind returns the configured destination kind, agnostic when unset
func (s *ActivationSpec) DestinationKind() provider.DestinationKind {
	k, _ := provider.ParseDestinationKind(s.DestinationType)
	return k
}

// AckMode returns the configured acknowledgement mode
func (s *ActivationSpec) AckMode() provider.AckMode {
	m, err := provider.ParseAckMode(s.AcknowledgeMode)
	if err != nil {
		return provider.AutoAcknowledge
	}
	return m
}

// ReconnectDelay returns the wait between reconnect attempts
func (s *ActivationSpec) ReconnectDelay() time.Duration {
	return s.ReconnectInterval
}

// String renders the activation settings for logs; the password is never shown
func (s *ActivationSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ActivationSpec(destination=%s destinationType=%s", s.Destination, s.DestinationKind())
	if s.MessageSelector != "" {
		fmt.Fprintf(&b, " messageSelector=%s", s.MessageSelector)
	}
	fmt.Fprintf(&b, " acknowledgeMode=%s subscriptionDurability=%s", s.AckMode(), s.durability())
	if s.ClientID != "" {
		fmt.Fprintf(&b, " clientID=%s", s.ClientID)
	}
	if s.SubscriptionName != "" {
		fmt.Fprintf(&b, " subscriptionName=%s", s.SubscriptionName)
	}
	fmt.Fprintf(&b, " reconnectInterval=%s reconnectAttempts=%d user=%s", s.ReconnectInterval, s.ReconnectAttempts, s.User)
	if s.Password != "" {
		b.WriteString(" password=<not shown>")
	}
	fmt.Fprintf(&b, " maxMessages=%d minSession=%d maxSession=%d connectionFactory=%s jndiParameters=%s)",
		s.MaxMessages, s.MinSession, s.MaxSession, s.ConnectionFactory, s.JNDIParameters)
	return b.String()
}

func (s *ActivationSpec) durability() string {
	if s.Durable() {
		return Durable
	}
	return NonDurable
}
