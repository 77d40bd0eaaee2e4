// Package auth authenticates callers of the agentmux HTTP API.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the configured auth.jwt_secret. A token
// must carry the "agentmux" issuer, a non-empty subject and an expiry.
// The "agentmux token" command mints them.
//
// # HTTP
//
// HTTPAuthMiddleware reads "Authorization: Bearer <token>", verifies it and
// stores the subject in the request context, where SubjectFromContext finds
// it. Failures are answered with 401 and a JSON error body.
//
// The agent socket itself is not authenticated here. Access to it is
// governed by the filesystem permissions of the socket or by tailnet ACLs.
package auth
