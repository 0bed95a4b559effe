// Package config loads the configuration of the mmate-ra binary.
//
// Precedence, highest first: MMATE_RA_* environment variables, the YAML
// configuration file, defaults. Lists (activations, outbound factories) are
// only read from the file; every activation starts from the adapter
// defaults before the file is applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-ra/inflow"
	"github.com/glimte/mmate-ra/outbound"
)

// EnvPrefix prefixes environment overrides, e.g. MMATE_RA_BROKER_URL
const EnvPrefix = "MMATE_RA"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete configuration of the binary
type Config struct {
	Logging     LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Server      ServerConfig            `mapstructure:"server" yaml:"server"`
	Broker      BrokerConfig            `mapstructure:"broker" yaml:"broker"`
	Work        WorkConfig              `mapstructure:"work" yaml:"work"`
	Activations []inflow.ActivationSpec `mapstructure:"activations" yaml:"activations" validate:"dive"`
	Outbound    []OutboundConfig        `mapstructure:"outbound" yaml:"outbound,omitempty" validate:"dive"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
}

// ServerConfig configures the metrics and health listener
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout" yaml:"health_timeout" validate:"gt=0"`
}

// BrokerConfig locates the RabbitMQ broker. The URL is the directory "url"
// parameter of every activation and outbound factory that sets none.
type BrokerConfig struct {
	URL               string        `mapstructure:"url" yaml:"url" validate:"required"`
	ConnectionFactory string        `mapstructure:"connection_factory" yaml:"connection_factory" validate:"required"`
	Prefetch          int           `mapstructure:"prefetch" yaml:"prefetch" validate:"gte=1"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`
}

// WorkConfig sizes the work manager
type WorkConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency" validate:"gte=1"`
}

// OutboundConfig names one outbound managed connection factory
type OutboundConfig struct {
	Name                   string `mapstructure:"name" yaml:"name" validate:"required"`
	outbound.MCFProperties `mapstructure:",squash" yaml:",inline"`
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if raw, ok := v.Get("activations").([]any); ok {
		// decoded over the defaults so an explicit zero survives
		cfg.Activations = make([]inflow.ActivationSpec, len(raw))
		for i := range cfg.Activations {
			cfg.Activations[i] = inflow.DefaultActivationSpec()
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers the scalar keys so viper resolves their
// environment overrides
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.health_timeout", d.Server.HealthTimeout)
	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.connection_factory", d.Broker.ConnectionFactory)
	v.SetDefault("broker.prefetch", d.Broker.Prefetch)
	v.SetDefault("broker.dial_timeout", d.Broker.DialTimeout)
	v.SetDefault("work.max_concurrency", d.Work.MaxConcurrency)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the semantic rules of every
// activation and outbound factory
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for i := range cfg.Activations {
		if err := cfg.Activations[i].Validate(); err != nil {
			return fmt.Errorf("%w: activations[%d]: %w", ErrInvalidConfig, i, err)
		}
	}
	names := make(map[string]struct{}, len(cfg.Outbound))
	for i := range cfg.Outbound {
		o := &cfg.Outbound[i]
		if _, dup := names[o.Name]; dup {
			return fmt.Errorf("%w: outbound[%d]: duplicate name %q", ErrInvalidConfig, i, o.Name)
		}
		names[o.Name] = struct{}{}
		if err := o.Validate(); err != nil {
			return fmt.Errorf("%w: outbound[%d]: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// Render marshals cfg as YAML
func Render(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes cfg to path, owner read/write only since it may hold
// passwords. An existing file is kept unless force is set.
func Save(cfg *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := Render(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
