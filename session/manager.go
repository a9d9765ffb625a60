package session

import (
	"context"
	"net/http"
	"time"

	"github.com/cartkeeper/authcore/internal"
)

// Options configures a [Manager]. Cookie settings mirror the transport
// contract: http-only, SameSite=Strict, Secure in production.
type Options struct {
	TTL     time.Duration
	Rolling bool

	CookieName   string
	CookiePath   string
	CookieDomain string
	Secure       bool
}

// Manager owns session lifecycle on top of a [Store]: issuing IDs, rolling
// expiration, regeneration on privilege change, and cookie shaping.
type Manager struct {
	store Store
	opts  Options
}

// NewManager creates a [Manager] backed by store.
func NewManager(store Store, opts Options) *Manager {
	if opts.CookiePath == "" {
		opts.CookiePath = "/"
	}
	return &Manager{store: store, opts: opts}
}

// Create assigns a fresh session ID and CSRF secret to sess, stamps its
// lifetime, and persists it. The caller fills identity fields beforehand.
func (m *Manager) Create(ctx context.Context, sess *Session) error {
	id, err := internal.NewSessionID()
	if err != nil {
		return err
	}
	csrf, err := internal.NewCSRFToken()
	if err != nil {
		return err
	}

	now := time.Now()
	sess.SessionID = id.String()
	sess.CSRFToken = csrf
	sess.CreatedAt = now.Unix()
	sess.ExpiresAt = now.Add(m.opts.TTL).Unix()
	if sess.LoginAt == 0 {
		sess.LoginAt = now.Unix()
	}

	return m.store.Save(ctx, sess, m.opts.TTL)
}

// Load returns the live session for sessionID, renewing its TTL when rolling
// expiration is enabled.
func (m *Manager) Load(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	if _, err := internal.ParseSessionID(sessionID); err != nil {
		return nil, ErrNotFound
	}
	return m.store.Get(ctx, sessionID, m.opts.TTL)
}

// Regenerate replaces a session's identifier after a privilege change. The new
// session is persisted BEFORE the old identifier is dropped, so a crash
// between the two steps strands an extra session rather than logging the
// user out. The old ID never refers to the elevated state.
func (m *Manager) Regenerate(ctx context.Context, prior *Session) (*Session, error) {
	next := cloneSession(prior)
	next.LoginAt = time.Now().Unix()

	if err := m.Create(ctx, next); err != nil {
		return nil, err
	}
	if prior.SessionID != "" {
		if err := m.store.Delete(ctx, prior.SessionID); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Destroy removes a session. Destroying an absent session is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return m.store.Delete(ctx, sessionID)
}

// DestroyAllForUser removes every session belonging to userID.
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string) error {
	return m.store.DeleteAllForUser(ctx, userID)
}

// IsValid reports whether sessionID resolves to a live session. It is the
// single authentication predicate transports should use.
func (m *Manager) IsValid(ctx context.Context, sessionID string) bool {
	_, err := m.Load(ctx, sessionID)
	return err == nil
}

// Durable reports whether the backing store survives restarts.
func (m *Manager) Durable() bool { return m.store.Durable() }

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.opts.CookieName }

// Cookie shapes the session cookie carrying sessionID.
func (m *Manager) Cookie(sessionID string) *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    sessionID,
		Path:     m.opts.CookiePath,
		Domain:   m.opts.CookieDomain,
		MaxAge:   int(m.opts.TTL / time.Second),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearCookie returns an expired cookie that removes the session cookie from
// the client.
func (m *Manager) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     m.opts.CookiePath,
		Domain:   m.opts.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
