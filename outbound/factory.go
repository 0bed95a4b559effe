package outbound

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-ra/provider"
)

// FactoryOption configures a ManagedConnectionFactory
type FactoryOption func(*ManagedConnectionFactory)

// WithLogger sets the logger shared by the factory's connections
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ManagedConnectionFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithDirectoryFactory sets how JNDIParameters are turned into a directory
func WithDirectoryFactory(df provider.DirectoryFactory) FactoryOption {
	return func(f *ManagedConnectionFactory) {
		f.directories = df
	}
}

// ManagedConnectionFactory creates and matches managed connections for
// one configured provider connection factory
type ManagedConnectionFactory struct {
	props       MCFProperties
	logger      *slog.Logger
	directories provider.DirectoryFactory
}

// NewManagedConnectionFactory validates props and creates a factory
func NewManagedConnectionFactory(props MCFProperties, opts ...FactoryOption) (*ManagedConnectionFactory, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	f := &ManagedConnectionFactory{
		props:  props,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("connection_factory", props.ConnectionFactory)
	return f, nil
}

// Properties returns a copy of the factory configuration
func (f *ManagedConnectionFactory) Properties() MCFProperties { return f.props }

// Equal compares the credentials and session type of two factories
func (f *ManagedConnectionFactory) Equal(other *ManagedConnectionFactory) bool {
	if other == nil {
		return false
	}
	return f.props.Equal(&other.props)
}

// DefaultRequestInfo is the request info used when the caller passes none
func (f *ManagedConnectionFactory) DefaultRequestInfo() ConnectionRequestInfo {
	return ConnectionRequestInfo{
		UserName: f.props.UserName,
		Password: f.props.Password,
		ClientID: f.props.ClientID,
		Type:     f.props.Type(),
	}
}

func (f *ManagedConnectionFactory) requestInfo(info *ConnectionRequestInfo) ConnectionRequestInfo {
	if info == nil {
		return f.DefaultRequestInfo()
	}
	return *info
}

// credentials resolves the identity: subject, then request info, then
// the factory's configured user
func (f *ManagedConnectionFactory) credentials(subject *Credentials, info *ConnectionRequestInfo) Credentials {
	if subject != nil {
		return *subject
	}
	if info != nil {
		return Credentials{UserName: info.UserName, Password: info.Password}
	}
	return Credentials{UserName: f.props.UserName, Password: f.props.Password}
}

// CreateManagedConnection opens a new physical connection
func (f *ManagedConnectionFactory) CreateManagedConnection(ctx context.Context, subject *Credentials, info *ConnectionRequestInfo) (*ManagedConnection, error) {
	cred := f.credentials(subject, info)
	mc := newManagedConnection(f, f.requestInfo(info), cred.UserName, cred.Password)
	if err := mc.setup(ctx); err != nil {
		if derr := mc.Destroy(); derr != nil {
			mc.logger.Debug("error destroying half built connection", "error", derr)
		}
		return nil, err
	}
	return mc, nil
}

// MatchManagedConnections returns the first live connection of this
// factory created for the same identity and request, or nil
func (f *ManagedConnectionFactory) MatchManagedConnections(set []*ManagedConnection, subject *Credentials, info *ConnectionRequestInfo) *ManagedConnection {
	cred := f.credentials(subject, info)
	want := f.requestInfo(info)
	for _, mc := range set {
		if mc == nil || mc.Destroyed() || !f.Equal(mc.mcf) {
			continue
		}
		if mc.UserName() != cred.UserName {
			continue
		}
		got := mc.Info()
		if got.Type == want.Type && got.Transacted == want.Transacted && got.ClientID == want.ClientID {
			return mc
		}
	}
	return nil
}
