package session

// Session is the server-side login state referenced by the session cookie.
//
// Session instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise. The CSRFToken is a
// per-session secret compared by middleware; it never appears in the cookie.
type Session struct {
	SessionID string
	UserID    string

	Email string
	Role  string

	FirstName string
	LastName  string

	CSRFToken string

	LoginAt   int64
	CreatedAt int64
	ExpiresAt int64
}

// Expired reports whether the session's absolute deadline has passed.
func (s *Session) Expired(nowUnix int64) bool {
	return s.ExpiresAt > 0 && s.ExpiresAt <= nowUnix
}
