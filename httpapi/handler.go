package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	authcore "github.com/cartkeeper/authcore"
	"github.com/cartkeeper/authcore/middleware"
)

const maxBodyBytes = 1 << 20

// Handler implements the authentication HTTP endpoints on top of an
// [authcore.Engine].
type Handler struct {
	engine *authcore.Engine
}

// NewHandler constructs a new [Handler] with its engine dependency.
func NewHandler(engine *authcore.Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes returns a [chi.Router] configured with the authentication routes.
func (h *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	// Public endpoints
	router.Post("/login", h.login)

	// Protected endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(h.engine))
		r.Post("/logout", h.logout)
		r.Post("/logout-all", h.logoutAll)
	})

	// Any authenticated identity manages its own second factor; no role gate.
	router.Route("/mfa", func(r chi.Router) {
		r.Use(middleware.RequireSession(h.engine))
		r.Post("/setup", h.mfaSetup)
		r.Post("/confirm", h.mfaConfirm)
		r.Post("/disable", h.mfaDisable)
		r.Get("/status", h.mfaStatus)
		r.Post("/backup-codes/regenerate", h.mfaRegenerateBackupCodes)
	})

	return router
}

// # Request payloads

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	MFAToken      string `json:"mfa_token"`
	MFALoginToken string `json:"mfa_login_token"`
}

type mfaCodeRequest struct {
	MFAToken string `json:"mfa_token"`
}

type mfaAuthRequest struct {
	Password string `json:"password"`
	MFAToken string `json:"mfa_token"`
}

// # Response payloads

type loginResponse struct {
	Token          string        `json:"token"`
	CSRFToken      string        `json:"csrf_token"`
	User           *userResponse `json:"user"`
	UsedBackupCode bool          `json:"used_backup_code,omitempty"`
}

type mfaRequiredResponse struct {
	MFARequired   bool   `json:"mfa_required"`
	MFALoginToken string `json:"mfa_login_token"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type mfaSetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

type mfaStatusResponse struct {
	Enabled              bool  `json:"enabled"`
	ConfirmedAt          int64 `json:"confirmed_at,omitempty"`
	BackupCodesRemaining int   `json:"backup_codes_remaining"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// # Endpoint handlers

// login authenticates a user. Three shapes of request arrive here:
//
//   - email + password: plain login, or the start of an MFA challenge.
//   - email + password + mfa_token: single-round login for API clients.
//   - mfa_login_token + mfa_token: completion of a pending challenge.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := authcore.WithClientIP(r.Context(), clientIP(r))
	if cookie, err := r.Cookie(h.engine.Sessions().CookieName()); err == nil && cookie.Value != "" {
		ctx = authcore.WithPriorSession(ctx, cookie.Value)
	}

	var (
		result *authcore.LoginResult
		err    error
	)
	if req.MFALoginToken != "" {
		result, err = h.engine.ConfirmLoginMFA(ctx, req.MFALoginToken, req.MFAToken)
	} else {
		result, err = h.engine.Login(ctx, req.Email, req.Password, req.MFAToken)
	}
	if err != nil {
		if errors.Is(err, authcore.ErrRateLimited) && req.Email != "" {
			h.setRetryAfter(ctx, w, req.Email)
		}
		h.writeError(w, err)
		return
	}

	if result.RequiresMFA {
		writeJSON(w, http.StatusOK, mfaRequiredResponse{
			MFARequired:   true,
			MFALoginToken: result.MFALoginToken,
		})
		return
	}

	h.writeLoginResult(w, result)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	if err := h.engine.Logout(r.Context(), sess.SessionID); err != nil {
		h.writeError(w, err)
		return
	}

	http.SetCookie(w, h.engine.Sessions().ClearCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	if err := h.engine.LogoutAll(r.Context(), sess.UserID); err != nil {
		h.writeError(w, err)
		return
	}

	http.SetCookie(w, h.engine.Sessions().ClearCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mfaSetup(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	setup, err := h.engine.SetupMFA(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mfaSetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		BackupCodes:     setup.BackupCodes,
	})
}

// mfaConfirm finishes enrollment. The engine rotates the calling session, so
// the response carries a fresh cookie and CSRF token the client must adopt.
func (h *Handler) mfaConfirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	var req mfaCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := authcore.WithClientIP(r.Context(), clientIP(r))
	ctx = authcore.WithPriorSession(ctx, sess.SessionID)

	result, err := h.engine.ConfirmMFA(ctx, sess.UserID, req.MFAToken)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeLoginResult(w, result)
}

func (h *Handler) mfaDisable(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	var req mfaAuthRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := authcore.WithClientIP(r.Context(), clientIP(r))
	if err := h.engine.DisableMFA(ctx, sess.UserID, req.Password, req.MFAToken); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mfaStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	status, err := h.engine.MFAStatus(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mfaStatusResponse{
		Enabled:              status.Enabled,
		ConfirmedAt:          status.ConfirmedAt,
		BackupCodesRemaining: status.BackupCodesRemaining,
	})
}

func (h *Handler) mfaRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, authcore.ErrSessionNotFound)
		return
	}

	var req mfaAuthRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := authcore.WithClientIP(r.Context(), clientIP(r))
	codes, err := h.engine.RegenerateBackupCodes(ctx, sess.UserID, req.Password, req.MFAToken)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

// # Helpers

func (h *Handler) writeLoginResult(w http.ResponseWriter, result *authcore.LoginResult) {
	http.SetCookie(w, h.engine.Sessions().Cookie(result.SessionID))

	resp := loginResponse{
		Token:          result.Token,
		CSRFToken:      result.CSRFToken,
		UsedBackupCode: result.UsedBackupCode,
	}
	if result.User != nil {
		resp.User = &userResponse{
			ID:        result.User.ID,
			Email:     result.User.Email,
			Role:      string(result.User.Role),
			FirstName: result.User.FirstName,
			LastName:  result.User.LastName,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// setRetryAfter must receive the same context the login call used, so the
// guard lookup hits the identical identifier.
func (h *Handler) setRetryAfter(ctx context.Context, w http.ResponseWriter, email string) {
	d, err := h.engine.BlockedFor(ctx, email)
	if err != nil || d <= 0 {
		return
	}
	seconds := int64(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

// writeError emits a canonical message per status. Engine errors can wrap
// backend causes; none of that detail reaches the client, and every 401 reads
// the same so responses do not distinguish why authentication failed.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	writeJSON(w, status, map[string]string{"error": statusMessage(status)})
}

func statusMessage(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication failed"
	case http.StatusTooManyRequests:
		return "too many failed attempts"
	case http.StatusBadRequest:
		return "mfa not enabled"
	case http.StatusNotFound:
		return "not found"
	case http.StatusServiceUnavailable:
		return "service unavailable"
	default:
		return "internal error"
	}
}

// errorStatus maps engine sentinels to HTTP status codes. Credential and
// token failures collapse into 401 so responses do not reveal which part of
// the credential was wrong.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, authcore.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, authcore.ErrInvalidCredentials),
		errors.Is(err, authcore.ErrMFATokenInvalid),
		errors.Is(err, authcore.ErrChallengeExpired),
		errors.Is(err, authcore.ErrTokenInvalid),
		errors.Is(err, authcore.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, authcore.ErrMFANotEnabled):
		return http.StatusBadRequest
	case errors.Is(err, authcore.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, authcore.ErrStoreUnavailable),
		errors.Is(err, authcore.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
