// Package proxy serves the multiplexed SSH agent to clients.
//
// # Overview
//
// A Proxy binds the configured agent listener (a unix socket or a TCP
// address) and, when tailscale is enabled, a second listener on the tailnet.
// Every accepted connection is handled in its own goroutine:
//
//  1. The session factory dials every backend in order. If any backend is
//     unreachable the client connection is closed and nothing else happens.
//  2. The session agent is served with agent.ServeAgent until the client
//     disconnects.
//  3. The backend connections are closed.
//
// Sessions never share backend connections, so one slow or failing client
// cannot affect another. On linux, unix socket clients are identified in
// logs and session records by their kernel peer credentials.
//
// # Auditing
//
// When database.path is set, each session and every sign request is recorded
// in the store. The audit decorator sits outside the multiplexer: it looks up
// the route, lets the multiplexer sign, then records the outcome. A failed
// write is logged and the signature is still returned.
//
// # Status Servers
//
// Both are optional.
//
//   - HTTP (server.http_addr): /health, /health/ready, /api/status and
//     /api/audit. The /api routes require a bearer JWT when auth.jwt_secret
//     is set.
//   - gRPC (server.grpc_addr): the grpc.health.v1 service, SERVING while the
//     proxy runs and NOT_SERVING once shutdown begins.
//
// # Shutdown
//
// Canceling the context passed to Run stops the listeners, abandons
// in-flight backend requests, closes client connections and removes the unix
// socket. Servers get five seconds to drain.
package proxy
