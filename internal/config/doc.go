// Package config handles configuration loading for agentmux.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Load applies defaults and validates.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from AGENTMUX_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/agentmux/config.yaml
//  4. ~/.config/agentmux/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backends:
//	  - "unix://${SSH_AUTH_SOCK}"
//
// Unset variables expand to the empty string.
//
// # Backends
//
// Backends are agent descriptors (see package backend), in priority order:
//
//	listen: "unix:///run/user/1000/agentmux.sock"
//	backends:
//	  - "unix:///run/user/1000/ssh-agent.sock"
//	  - "unix:///run/user/1000/yubikey-agent.sock"
//	  - "tailnet://buildbox:7448"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  dial_timeout: "5s"
//	  identity_cache_ttl: "1s"
//
// # Validation
//
// Load() validates:
//
//   - listen and every backend descriptor parse
//   - at least one backend is configured
//   - tailnet backends only with tailscale enabled
//   - JWT secret minimum length (32 bytes)
//   - duration format validity
//   - logging level and format values
package config
