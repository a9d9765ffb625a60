// Package session provides Redis-backed session persistence and compact binary
// session encoding for the admin login hot path.
//
// # Binary encoding
//
// Sessions are stored as a compact binary format (schema versions v1–v2) with
// forward migration on read. The encoder is append-only: new versions add
// fields but never reinterpret old ones.
//
// # Architecture boundaries
//
// This package owns the [Store] implementations (Redis and in-memory) and the
// [Session] model. It does NOT verify passwords, evaluate MFA, or mint bearer
// tokens — those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store plaintext secrets in [Session] fields.
package session
