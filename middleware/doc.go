// Package middleware exposes HTTP middleware adapters for session-cookie and
// bearer-token authentication built on top of authcore.Engine validation.
//
// # Guards
//
//   - [RequireSession] — cookie-backed session verification with CSRF checks
//     on mutating methods.
//   - [RequireBearer] — stateless bearer token verification.
//   - [RequireAdmin] — session verification plus a staff-role gate.
//
// Each guard validates the request credential through the Engine and injects
// the authenticated principal into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond the role gate.
package middleware
