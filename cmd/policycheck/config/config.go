// Package config provides configuration structures for the policy check CLI
// and server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/liquibase/custom-policychecks/pkg/models"
)

// Config represents the policy check configuration.
type Config struct {
	LogLevel        string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Strategy        string `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
	MessageTemplate string `mapstructure:"message_template" yaml:"message_template" json:"message_template"`

	// Check arguments
	Check CheckConfig `mapstructure:"check" yaml:"check" json:"check"`

	// HTTP server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// CheckConfig holds the arguments of the row-level security check.
type CheckConfig struct {
	EnvVarName      string `mapstructure:"env_var_name" yaml:"env_var_name" json:"env_var_name"`
	ProtectedTables string `mapstructure:"protected_tables" yaml:"protected_tables" json:"protected_tables"`
	TeamColumn      string `mapstructure:"team_column" yaml:"team_column" json:"team_column"`
}

// Args returns the check arguments keyed the way the check expects them.
func (c CheckConfig) Args() map[string]string {
	return map[string]string{
		models.ArgEnvVarName:      c.EnvVarName,
		models.ArgProtectedTables: c.ProtectedTables,
		models.ArgTeamColumn:      c.TeamColumn,
	}
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" json:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	strategy, err := models.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	c.Strategy = string(strategy)

	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8080"
	}

	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}

	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// Validate metrics
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return fmt.Errorf("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with '/': %s", c.Metrics.Path)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file. Values
// missing from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Watch calls onChange with the reloaded configuration every time the file
// at path is written. A file that no longer decodes or validates is passed
// as an error and the previous configuration stays in effect.
func Watch(path string, onChange func(cfg *Config, err error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			err = fmt.Errorf("%s: %w", e.Name, err)
		}
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		Strategy:        string(models.StrategyAuto),
		MessageTemplate: models.DefaultMessageTemplate,
		Server: ServerConfig{
			Address:         "0.0.0.0:8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}
