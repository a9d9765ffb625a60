// Package authcore provides the login security core for an e-commerce admin
// panel: password login with brute-force lockout, TOTP-based second-factor
// enrollment and verification, one-time backup codes, Redis-backed session
// lifecycle with fixation-safe regeneration, and short-lived JWT bearer tokens.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], and
// value types (LoginResult, MFASetup, MFAStatus, MetricsSnapshot). Failed-attempt
// tracking lives under internal/ and is never exported. Session lifecycle, token
// signing, password hashing, and the HTTP surface live in the session, jwt,
// password, and httpapi sub-packages.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store internals, or encoding details in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Leak raw store or driver errors to callers: every authentication failure
//     is mapped onto the exported error taxonomy before it crosses the boundary.
//
// # Security contract
//
// Operations that touch shared mutable state — failed-attempt counters, backup
// code sets, MFA enable/disable — are single atomic round trips against Redis
// (conditional scripts, SREM, GETDEL), never read-then-write pairs. Guard and
// MFA operations fail closed when Redis is unreachable; only the session layer
// may degrade to a non-durable in-process fallback, and it reports that
// degradation through Durable().
package authcore
