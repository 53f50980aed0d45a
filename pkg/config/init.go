package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the commented configuration written by `threadline init`.
const sampleConfig = `# Threadline server configuration.
#
# Every value can be overridden with a THREADLINE_* environment variable,
# e.g. THREADLINE_LOGGING_LEVEL=DEBUG or THREADLINE_SERVER_CONTROL_PORT=6000.

logging:
  # Minimum log level: DEBUG, INFO, WARN, ERROR
  level: INFO
  # Output format: text (colorized on a terminal) or json
  format: text

server:
  # UDP port for the command protocol
  control_port: 5050
  # TCP port for attachment transfers
  data_port: 5051
  # Upper bound on concurrent client sessions (0 = unlimited)
  max_sessions: 1024
  # Sessions silent for longer than this are reclaimed (0 = never)
  session_idle_timeout: 10m
  # How long a negotiated transfer may wait for its data connection
  reservation_ttl: 30s
  # Deadline for one whole attachment stream
  transfer_io_timeout: 60s
  # Maximum size of one uploaded attachment in bytes
  max_attachment_bytes: 67108864

storage:
  # Root directory for thread files, the attachment database, and credentials
  data_dir: /var/lib/threadline
  # Reload the credential file when it changes on disk
  watch_credentials: true

metrics:
  # Serve Prometheus metrics at http://:<port>/metrics
  enabled: false
  port: 9090

api:
  # Admin/health HTTP endpoints
  enabled: true
  port: 8080

# Maximum time to wait for graceful shutdown
shutdown_timeout: 30s
`

// InitConfig writes the sample configuration to the default location.
// Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to an explicit path.
// Refuses to overwrite an existing file unless force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
