package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	authcore "github.com/cartkeeper/authcore"
)

type stubUserStore struct {
	users []*authcore.UserRecord
}

func (s *stubUserStore) FindByEmail(_ context.Context, email string) (*authcore.UserRecord, error) {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, authcore.ErrUserNotFound
}

func (s *stubUserStore) FindByID(_ context.Context, id string) (*authcore.UserRecord, error) {
	for _, u := range s.users {
		if u.ID == id {
			copied := *u
			return &copied, nil
		}
	}
	return nil, authcore.ErrUserNotFound
}

type stubHasher struct{}

func (stubHasher) Hash(plain string) (string, error) { return "plain$" + plain, nil }

func (stubHasher) Compare(plain, encodedHash string) (bool, error) {
	return encodedHash == "plain$"+plain, nil
}

func newTestHandler(t *testing.T) (*Handler, *authcore.Engine) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := authcore.DefaultConfig()
	cfg.Token.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Guard.Threshold = 4

	store := &stubUserStore{users: []*authcore.UserRecord{
		{ID: "u-1", Email: "manager@example.com", PasswordHash: "plain$manager password", Role: authcore.RoleManager},
		{ID: "u-2", Email: "customer@example.com", PasswordHash: "plain$customer password", Role: authcore.RoleCustomer},
	}}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(store).
		WithPasswordHasher(stubHasher{}).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return NewHandler(engine), engine
}

// totpCode derives the current 6-digit code from a base32 secret. The server
// side accepts two steps of skew, so exact step alignment is not required.
func totpCode(t *testing.T, secret string) string {
	t.Helper()

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)

	counter := time.Now().Unix() / 30
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1_000_000)
}

func postJSON(t *testing.T, router http.Handler, path string, body any, prepare func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if prepare != nil {
		prepare(req)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "admin_session" {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

// loginManager performs a password login and returns the session cookie and
// CSRF token for follow-up requests.
func loginManager(t *testing.T, router http.Handler) (*http.Cookie, string) {
	t.Helper()

	rec := postJSON(t, router, "/login", loginRequest{
		Email:    "manager@example.com",
		Password: "manager password",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[loginResponse](t, rec)
	return sessionCookie(t, rec), body.CSRFToken
}

func TestLoginEndpointSuccess(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	rec := postJSON(t, router, "/login", loginRequest{
		Email:    "manager@example.com",
		Password: "manager password",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[loginResponse](t, rec)
	require.NotEmpty(t, body.Token)
	require.NotEmpty(t, body.CSRFToken)
	require.Equal(t, "u-1", body.User.ID)

	cookie := sessionCookie(t, rec)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	require.NotEmpty(t, cookie.Value)
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	rec := postJSON(t, router, "/login", loginRequest{
		Email:    "manager@example.com",
		Password: "nope",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, rec.Result().Cookies())
}

func TestLoginEndpointRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpointRateLimitsWithRetryAfter(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	for i := 0; i < 4; i++ {
		rec := postJSON(t, router, "/login", loginRequest{
			Email:    "manager@example.com",
			Password: "nope",
		}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := postJSON(t, router, "/login", loginRequest{
		Email:    "manager@example.com",
		Password: "manager password",
	}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMFAChallengeOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	cookie, csrf := loginManager(t, router)

	// Enroll via the API.
	rec := postJSON(t, router, "/mfa/setup", struct{}{}, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("X-CSRF-Token", csrf)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	setup := decodeBody[mfaSetupResponse](t, rec)
	require.NotEmpty(t, setup.Secret)
	require.Len(t, setup.BackupCodes, 10)
	require.Contains(t, setup.ProvisioningURI, "otpauth://totp/")

	rec = postJSON(t, router, "/mfa/confirm", mfaCodeRequest{MFAToken: totpCode(t, setup.Secret)}, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("X-CSRF-Token", csrf)
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Enrollment rotates the session.
	rotated := sessionCookie(t, rec)
	require.NotEqual(t, cookie.Value, rotated.Value)

	// A fresh password login now demands the second factor.
	rec = postJSON(t, router, "/login", loginRequest{
		Email:    "manager@example.com",
		Password: "manager password",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decodeBody[mfaRequiredResponse](t, rec)
	require.True(t, challenge.MFARequired)
	require.NotEmpty(t, challenge.MFALoginToken)

	// Complete the challenge with a backup code.
	rec = postJSON(t, router, "/login", loginRequest{
		MFALoginToken: challenge.MFALoginToken,
		MFAToken:      setup.BackupCodes[0],
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decodeBody[loginResponse](t, rec)
	require.NotEmpty(t, confirmed.Token)
	require.True(t, confirmed.UsedBackupCode)
}

func TestMFARoutesRequireSession(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/mfa/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMFARoutesOpenToAnyAuthenticatedRole(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	rec := postJSON(t, router, "/login", loginRequest{
		Email:    "customer@example.com",
		Password: "customer password",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/mfa/status", nil)
	req.AddCookie(cookie)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	status := decodeBody[mfaStatusResponse](t, res)
	require.False(t, status.Enabled)
}

func TestMutatingRequestsRequireCSRFHeader(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	cookie, _ := loginManager(t, router)

	rec := postJSON(t, router, "/logout", struct{}{}, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogoutClearsCookieAndSession(t *testing.T) {
	h, engine := newTestHandler(t)
	router := h.Routes()

	cookie, csrf := loginManager(t, router)

	rec := postJSON(t, router, "/logout", struct{}{}, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set("X-CSRF-Token", csrf)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	cleared := sessionCookie(t, rec)
	require.Negative(t, cleared.MaxAge)

	_, err := engine.ValidateSession(context.Background(), cookie.Value)
	require.ErrorIs(t, err, authcore.ErrSessionNotFound)
}

func TestMFAStatusReflectsState(t *testing.T) {
	h, _ := newTestHandler(t)
	router := h.Routes()

	cookie, _ := loginManager(t, router)

	req := httptest.NewRequest(http.MethodGet, "/mfa/status", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[mfaStatusResponse](t, rec)
	require.False(t, status.Enabled)
	require.Zero(t, status.BackupCodesRemaining)
}
