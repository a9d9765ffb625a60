// Package httpapi provides the HTTP delivery layer for the authentication
// engine: login with MFA step-up, session logout, and MFA self-management
// endpoints for the admin panel.
//
// # Endpoints
//
//   - POST /login — password login, MFA challenge issuance, and challenge
//     completion in a single endpoint.
//   - POST /logout — destroys the calling session.
//   - POST /logout-all — destroys every session of the calling user.
//   - /mfa/* — enrollment, confirmation, disable, status, and backup code
//     regeneration for the authenticated identity.
//
// # Architecture boundaries
//
// This package translates HTTP semantics (status codes, cookies, JSON bodies)
// into Engine calls. It does NOT implement authentication logic itself — all
// decisions are delegated to the Engine.
//
// # What this package must NOT do
//
//   - Access Redis directly (the Engine owns all I/O).
//   - Mint or parse JWTs (delegates to the Engine).
//   - Apply rate limiting of its own (the Engine's guard is authoritative).
package httpapi
