package outbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-ra/provider"
)

// MCFProperties configures a ManagedConnectionFactory
type MCFProperties struct {
	ConnectionFactory  string `mapstructure:"connection_factory" yaml:"connection_factory" validate:"required"`
	JNDIParameters     string `mapstructure:"jndi_parameters" yaml:"jndi_parameters,omitempty"`
	UserName           string `mapstructure:"user_name" yaml:"user_name,omitempty"`
	Password           string `mapstructure:"password" yaml:"password,omitempty"`
	ClientID           string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	SessionDefaultType string `mapstructure:"session_default_type" yaml:"session_default_type,omitempty"`
	// UseTryLock bounds lock acquisition in seconds; zero or less blocks indefinitely
	UseTryLock int `mapstructure:"use_try_lock" yaml:"use_try_lock,omitempty"`
}

// Validate checks the properties
func (p *MCFProperties) Validate() error {
	if strings.TrimSpace(p.ConnectionFactory) == "" {
		return fmt.Errorf("%w: connection_factory is mandatory", ErrInvalidConfiguration)
	}
	if _, err := provider.ParseDestinationKind(p.SessionDefaultType); err != nil {
		return fmt.Errorf("%w: session_default_type: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// Type returns the default session type; unknown values fall back to agnostic
func (p *MCFProperties) Type() provider.DestinationKind {
	k, err := provider.ParseDestinationKind(p.SessionDefaultType)
	if err != nil {
		return provider.KindAgnostic
	}
	return k
}

// LockTimeout returns UseTryLock as a duration
func (p *MCFProperties) LockTimeout() time.Duration {
	if p.UseTryLock <= 0 {
		return 0
	}
	return time.Duration(p.UseTryLock) * time.Second
}

// Equal compares credentials and session type
func (p *MCFProperties) Equal(other *MCFProperties) bool {
	if other == nil {
		return false
	}
	return p.UserName == other.UserName && p.Password == other.Password && p.Type() == other.Type()
}

// Credentials is an authenticated identity supplied by the caller
type Credentials struct {
	UserName string
	Password string
}

// ConnectionRequestInfo carries per-request connection parameters
type ConnectionRequestInfo struct {
	UserName   string
	Password   string
	ClientID   string
	Type       provider.DestinationKind
	Transacted bool
}

// Equal compares every field
func (i ConnectionRequestInfo) Equal(other ConnectionRequestInfo) bool {
	return i == other
}
