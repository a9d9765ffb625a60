package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cartkeeper/authcore/internal/guard"
	"github.com/cartkeeper/authcore/jwt"
	"github.com/cartkeeper/authcore/session"
)

const (
	auditEventLoginSuccess     = "login_success"
	auditEventLoginFailure     = "login_failure"
	auditEventLoginRateLimited = "login_rate_limited"
	auditEventMFARequired      = "mfa_required"
	auditEventMFALoginSuccess  = "mfa_login_success"
	auditEventMFALoginFailure  = "mfa_login_failure"
	auditEventChallengeExpired = "mfa_challenge_expired"
	auditEventMFASetupStarted  = "mfa_setup_requested"
	auditEventMFAEnabled       = "mfa_enabled"
	auditEventMFADisabled      = "mfa_disabled"
	auditEventBackupCodesReset = "backup_codes_regenerated"
	auditEventBackupCodeUsed   = "backup_code_used"
	auditEventLogoutSession    = "logout_session"
	auditEventLogoutAll        = "logout_all"
)

// Engine defines a public type used by authcore APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config       Config
	userStore    UserStore
	passwordHash PasswordHasher
	sessions     *session.Manager
	jwtManager   *jwt.Manager
	totp         *totpManager
	mfaStore     *mfaStore
	mfaLogin     *mfaLoginStore
	guard        *guard.Guard
	audit        *auditDispatcher
	metrics      *Metrics
}

// Close releases background resources. Safe to call more than once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// Sessions exposes the session manager for transport-layer middleware.
func (e *Engine) Sessions() *session.Manager {
	if e == nil {
		return nil
	}
	return e.sessions
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	email string,
	sessionID string,
	err error,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = auditErrorCode(err)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMFATokenInvalid):
		return "invalid_mfa_token"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrMFANotEnabled):
		return "mfa_not_enabled"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case err != nil:
		return "internal_error"
	default:
		return ""
	}
}

func (e *Engine) ready() error {
	if e == nil || e.userStore == nil || e.sessions == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}
	return nil
}

// normalizeEmail is the canonical form used for lookups and inside the
// failed-attempt guard identifier.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// guardIdentifier keys the failed-attempt guard. When the transport supplied
// a client IP the key combines it with the normalized email, so one NAT's
// users are not blocked by a neighbor's failures while a single attacker
// hammering one account is still stopped. Shared-IP false positives remain
// possible; that tradeoff is accepted.
func (e *Engine) guardIdentifier(ctx context.Context, identifier string) string {
	if ip := clientIPFromContext(ctx); ip != "" {
		return ip + "|" + identifier
	}
	return identifier
}

// Login authenticates an email/password pair and, when the identity has MFA
// enabled, either verifies the supplied code or defers with a one-time
// challenge token.
//
// Outcomes:
//   - password wrong or user unknown: [ErrInvalidCredentials], failure counted.
//   - identifier blocked: [ErrRateLimited] before any credential work.
//   - MFA enabled, mfaCode empty: result with RequiresMFA and MFALoginToken set.
//   - MFA enabled, mfaCode wrong: [ErrMFATokenInvalid], failure counted.
//   - success: result with bearer token, session ID, and CSRF token.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, email, plainPassword, mfaCode string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	identifier := normalizeEmail(email)
	if identifier == "" || plainPassword == "" {
		return nil, ErrInvalidCredentials
	}

	blocked, err := e.guard.IsBlocked(ctx, e.guardIdentifier(ctx, identifier))
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, mapGuardErr(err)
	}
	if blocked {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", identifier, "", ErrRateLimited, nil)
		return nil, ErrRateLimited
	}

	user, err := e.userStore.FindByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.failLogin(ctx, "", identifier, ErrInvalidCredentials)
		}
		e.metricInc(MetricStoreError)
		return nil, err
	}

	ok, err := e.passwordHash.Compare(plainPassword, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, user.ID, identifier, ErrInvalidCredentials)
	}

	record, err := e.mfaStore.Get(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}

	if record != nil {
		if mfaCode == "" {
			token, err := e.mfaLogin.Create(ctx, user.ID, e.config.MFA.LoginTokenTTL)
			if err != nil {
				e.metricInc(MetricStoreError)
				return nil, err
			}
			e.metricInc(MetricMFALoginRequired)
			e.emitAudit(ctx, auditEventMFARequired, true, user.ID, identifier, "", nil, nil)
			return &LoginResult{RequiresMFA: true, MFALoginToken: token}, nil
		}

		verdict, err := e.verifyMFACode(ctx, user, record, mfaCode)
		if err != nil {
			e.metricInc(MetricStoreError)
			return nil, err
		}
		if !verdict.Valid {
			e.metricInc(MetricMFALoginFailure)
			return nil, e.failLogin(ctx, user.ID, identifier, ErrMFATokenInvalid)
		}
		e.metricInc(MetricMFALoginSuccess)
		return e.finishLogin(ctx, user, identifier, verdict.UsedBackupCode)
	}

	return e.finishLogin(ctx, user, identifier, false)
}

// failLogin records a guard failure and returns cause. Guard errors take
// precedence: a failure that cannot be recorded must not let attempts through.
func (e *Engine) failLogin(ctx context.Context, userID, identifier string, cause error) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, identifier, "", cause, nil)

	if _, err := e.guard.RecordFailure(ctx, e.guardIdentifier(ctx, identifier)); err != nil {
		e.metricInc(MetricStoreError)
		return mapGuardErr(err)
	}
	return cause
}

// finishLogin runs the success path shared by every authenticated outcome:
// the guard counter is cleared, the session identifier is regenerated, and a
// bearer token is minted.
func (e *Engine) finishLogin(ctx context.Context, user *UserRecord, identifier string, usedBackupCode bool) (*LoginResult, error) {
	if err := e.guard.Clear(ctx, e.guardIdentifier(ctx, identifier)); err != nil {
		e.metricInc(MetricStoreError)
		return nil, mapGuardErr(err)
	}

	result, err := e.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	result.UsedBackupCode = usedBackupCode

	if usedBackupCode {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, user.ID, user.Email, result.SessionID, nil, nil)
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, user.Email, result.SessionID, nil, nil)

	return result, nil
}

// issueSession establishes the authenticated session and mints the bearer
// token. When a prior session travels in ctx its identifier is rotated; the
// replacement is persisted before the old one is dropped.
func (e *Engine) issueSession(ctx context.Context, user *UserRecord) (*LoginResult, error) {
	sess := &session.Session{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}

	var err error
	if priorID := priorSessionFromContext(ctx); priorID != "" {
		prior, loadErr := e.sessions.Load(ctx, priorID)
		if loadErr == nil {
			prior.UserID = sess.UserID
			prior.Email = sess.Email
			prior.Role = sess.Role
			prior.FirstName = sess.FirstName
			prior.LastName = sess.LastName
			sess, err = e.sessions.Regenerate(ctx, prior)
			if err == nil {
				e.metricInc(MetricSessionRegenerated)
			}
		} else if errors.Is(loadErr, session.ErrNotFound) {
			err = e.sessions.Create(ctx, sess)
		} else {
			err = loadErr
		}
	} else {
		err = e.sessions.Create(ctx, sess)
	}
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, mapSessionErr(err)
	}
	e.metricInc(MetricSessionCreated)

	token, err := e.jwtManager.CreateAccess(user.ID, user.Email, string(user.Role), sess.SessionID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:     token,
		SessionID: sess.SessionID,
		CSRFToken: sess.CSRFToken,
		User:      user,
	}, nil
}

// Logout destroys a single session. Destroying an unknown session succeeds.
//
// Logout may return an error when input validation, dependency calls, or security checks fail.
// Logout does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.sessions.Destroy(ctx, sessionID); err != nil {
		e.metricInc(MetricStoreError)
		return mapSessionErr(err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, "", "", sessionID, nil, nil)
	return nil
}

// LogoutAll destroys every session belonging to userID.
//
// LogoutAll may return an error when input validation, dependency calls, or security checks fail.
// LogoutAll does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.sessions.DestroyAllForUser(ctx, userID); err != nil {
		e.metricInc(MetricStoreError)
		return mapSessionErr(err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, nil)
	return nil
}

// BlockedFor reports how long the identifier remains locked out, zero when it
// is not blocked. Transports use it for Retry-After headers.
//
// BlockedFor may return an error when input validation, dependency calls, or security checks fail.
// BlockedFor does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) BlockedFor(ctx context.Context, email string) (time.Duration, error) {
	if e == nil || e.guard == nil {
		return 0, ErrEngineNotReady
	}
	d, err := e.guard.BlockedFor(ctx, e.guardIdentifier(ctx, normalizeEmail(email)))
	if err != nil {
		return 0, mapGuardErr(err)
	}
	return d, nil
}

// ValidateToken verifies a bearer token and returns its claims.
//
// ValidateToken may return an error when input validation, dependency calls, or security checks fail.
// ValidateToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateToken(_ context.Context, token string) (*jwt.AccessClaims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseAccess(token)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateSession loads the session behind a cookie value.
//
// ValidateSession may return an error when input validation, dependency calls, or security checks fail.
// ValidateSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sess, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sess, nil
}

func mapGuardErr(err error) error {
	if errors.Is(err, guard.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func mapSessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrRedisUnavailable):
		return ErrStoreUnavailable
	default:
		return err
	}
}
