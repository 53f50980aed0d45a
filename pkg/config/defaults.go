package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default ports and limits.
const (
	DefaultControlPort        = 5050
	DefaultDataPort           = 5051
	DefaultMetricsPort        = 9090
	DefaultMaxSessions        = 1024
	DefaultSessionIdleTimeout = 10 * time.Minute
	DefaultReservationTTL     = 30 * time.Second
	DefaultTransferIOTimeout  = 60 * time.Second
	DefaultMaxAttachmentBytes = 64 << 20
	DefaultShutdownTimeout    = 30 * time.Second
)

// ApplyDefaults fills unset configuration fields with sensible defaults.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ControlPort == 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = DefaultDataPort
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.TransferIOTimeout == 0 {
		cfg.TransferIOTimeout = DefaultTransferIOTimeout
	}
	if cfg.MaxAttachmentBytes == 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = getDataDir()
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = filepath.Join(cfg.DataDir, "credentials.txt")
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns the configuration used when no file exists.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// getDataDir returns $XDG_DATA_HOME/threadline, falling back to
// ~/.local/share/threadline.
func getDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "threadline")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "threadline")
}
