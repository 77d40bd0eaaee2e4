// Package backend connects to upstream ssh-agents and builds one mux session
// per client connection.
//
// # Descriptors
//
// Backends and the listen address are written as descriptors:
//
//	unix:///run/user/1000/ssh-agent.sock
//	/run/user/1000/ssh-agent.sock        (bare paths are unix sockets)
//	tcp://10.0.0.5:7447
//	tailnet://buildbox:7448              (requires tailscale.enabled)
//
// # Sessions
//
// Factory.NewSession dials every configured backend, in order, and wraps the
// connections in a mux.Agent. If any backend cannot be reached the session is
// not created; there is no degraded mode with fewer backends. Connections are
// never shared or reused between sessions.
//
// # Probing
//
// Factory.Probe dials each backend once and counts its identities. It backs
// the readiness endpoint and the check command.
package backend
