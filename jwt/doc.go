// Package jwt wraps github.com/golang-jwt/jwt/v5 behind a small [Manager] that
// mints and verifies the short-lived bearer tokens returned by a completed
// login.
//
// # Architecture boundaries
//
// This package signs and verifies tokens. It does NOT decide who gets one, nor
// does it consult Redis — revocation lives with the session layer, which is
// authoritative for logout.
//
// # What this package must NOT do
//
//   - Import authcore or session (no upward imports).
//   - Embed secrets or password material in claims.
//   - Accept tokens signed with an algorithm other than the configured one.
package jwt
