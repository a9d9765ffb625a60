package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	authcore "github.com/cartkeeper/authcore"
	"github.com/cartkeeper/authcore/jwt"
	"github.com/cartkeeper/authcore/session"
)

const csrfHeader = "X-CSRF-Token"

type sessionContextKey struct{}
type claimsContextKey struct{}

// SessionFromContext returns the session injected by [RequireSession].
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return sess, ok
}

// ClaimsFromContext returns the claims injected by [RequireBearer].
func ClaimsFromContext(ctx context.Context) (*jwt.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*jwt.AccessClaims)
	return claims, ok
}

// RequireSession authenticates via the session cookie. Mutating methods must
// also carry the session's CSRF token in the X-CSRF-Token header; the cookie
// alone never authorizes a state change.
func RequireSession(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := loadSession(engine, r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if mutating(r.Method) && !csrfMatches(sess, r) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole wraps [RequireSession] with a role gate.
func RequireRole(engine *authcore.Engine, roles ...authcore.Role) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[string(role)] = struct{}{}
	}

	requireSession := RequireSession(engine)
	return func(next http.Handler) http.Handler {
		return requireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, _ := SessionFromContext(r.Context())
			if sess == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[sess.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RequireAdmin admits staff-level roles only.
func RequireAdmin(engine *authcore.Engine) func(http.Handler) http.Handler {
	return RequireRole(engine, authcore.RoleStaff, authcore.RoleManager, authcore.RoleAdmin)
}

// RequireBearer authenticates via the Authorization header without touching
// the session store.
func RequireBearer(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loadSession(engine *authcore.Engine, r *http.Request) (*session.Session, bool) {
	if engine == nil || engine.Sessions() == nil {
		return nil, false
	}
	cookie, err := r.Cookie(engine.Sessions().CookieName())
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	sess, err := engine.ValidateSession(r.Context(), cookie.Value)
	if err != nil {
		return nil, false
	}
	return sess, true
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// csrfMatches compares the request header against the per-session secret. A
// session without a CSRF secret (a pre-migration blob) matches nothing.
func csrfMatches(sess *session.Session, r *http.Request) bool {
	if sess.CSRFToken == "" {
		return false
	}
	provided := r.Header.Get(csrfHeader)
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(sess.CSRFToken)) == 1
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}
	return token, true
}
