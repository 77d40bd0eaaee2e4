// ABOUTME: Example configuration written by `agentmux init`
// ABOUTME: Mirrors every supported option with its default

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigExists indicates WriteExample would overwrite an existing file.
var ErrConfigExists = errors.New("config file already exists")

// Example is a commented YAML configuration using the current environment's agent socket.
const Example = `# agentmux configuration

# Where agentmux serves the combined agent. Point SSH_AUTH_SOCK here.
listen: "unix://${XDG_RUNTIME_DIR}/agentmux.sock"

# Upstream agents, in priority order. When two agents hold the same key,
# the later one signs for it. Extension requests go to the first agent.
backends:
  - "unix://${SSH_AUTH_SOCK}"

agent:
  dial_timeout: "5s"
  # Reuse an identity listing for this long. "0s" lists on every request.
  identity_cache_ttl: "0s"

server:
  # Health and status endpoints. Leave empty to disable.
  http_addr: "127.0.0.1:7447"
  grpc_addr: ""

tailscale:
  enabled: false
  hostname: "agentmux"
  auth_key: "${TS_AUTHKEY}"
  ephemeral: true
  port: 7448

database:
  # SQLite audit log of sign requests. Leave empty to disable.
  path: ""

auth:
  # Protects /api/* when set (at least 32 bytes).
  jwt_secret: ""

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json
`

// WriteExample writes Example to path, creating parent directories.
// It refuses to overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Example), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
