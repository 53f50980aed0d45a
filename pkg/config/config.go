// Package config loads and validates the server configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/threadline/threadline/pkg/api"
)

// Config represents the threadline server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (THREADLINE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the control and data plane listeners.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage configures the on-disk stores.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API configures the admin/health HTTP server.
	API api.Config `mapstructure:"api" yaml:"api"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects "text" (colorized when on a terminal) or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// ServerConfig configures the two listeners and session policy.
type ServerConfig struct {
	// ControlPort is the UDP port for the command protocol.
	// Default: 5050
	ControlPort int `mapstructure:"control_port" validate:"omitempty,min=0,max=65535" yaml:"control_port"`

	// DataPort is the TCP port for attachment transfers.
	// Default: 5051
	DataPort int `mapstructure:"data_port" validate:"omitempty,min=0,max=65535" yaml:"data_port"`

	// MaxSessions bounds the session table. 0 means unlimited.
	// Default: 1024
	MaxSessions int `mapstructure:"max_sessions" validate:"min=0" yaml:"max_sessions"`

	// SessionIdleTimeout ages out sessions with no inbound traffic.
	// Zero disables reaping. Default: 10m
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`

	// ReservationTTL bounds how long a negotiated transfer may wait for its
	// data-plane connection. Default: 30s
	ReservationTTL time.Duration `mapstructure:"reservation_ttl" validate:"required,gt=0" yaml:"reservation_ttl"`

	// TransferIOTimeout is the deadline for one whole stream exchange.
	// Default: 60s
	TransferIOTimeout time.Duration `mapstructure:"transfer_io_timeout" yaml:"transfer_io_timeout"`

	// MaxAttachmentBytes caps one uploaded attachment. Default: 64 MiB
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" validate:"min=0" yaml:"max_attachment_bytes"`
}

// StorageConfig configures the on-disk stores.
type StorageConfig struct {
	// DataDir is the root directory for all persistent state: thread files
	// under threads/, the attachment database under attachments/, and the
	// credential file.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// CredentialsFile overrides the credential file location.
	// Default: <data_dir>/credentials.txt
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	// WatchCredentials reloads the credential file when it changes on disk.
	// Default: true
	WatchCredentials *bool `mapstructure:"watch_credentials" yaml:"watch_credentials"`
}

// ThreadsDir returns the thread file directory under the data root.
func (c *StorageConfig) ThreadsDir() string {
	return filepath.Join(c.DataDir, "threads")
}

// AttachmentsDir returns the attachment database directory.
func (c *StorageConfig) AttachmentsDir() string {
	return filepath.Join(c.DataDir, "attachments")
}

// WatchEnabled reports whether credential file watching is on. Defaults to true.
func (c *StorageConfig) WatchEnabled() bool {
	if c.WatchCredentials == nil {
		return true
	}
	return *c.WatchCredentials
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath uses the default location; a missing file yields the
// default configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with a user-friendly error when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  threadline init\n\n"+
				"Or specify a custom config file:\n"+
				"  threadline <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  threadline init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// SaveConfig writes the configuration to path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the config names the credential file location.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment overrides and the config file search.
// Environment variables use the THREADLINE_ prefix with underscores, e.g.
// THREADLINE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("THREADLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. Returns whether a file was
// found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks parses durations written as strings ("30s", "10m").
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/threadline, falling back to
// ~/.config/threadline.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "threadline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "threadline")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
