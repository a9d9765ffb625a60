package authcore

import (
	"context"
	"errors"
)

// ConfirmLoginMFA completes a deferred login: the challenge token minted by
// [Engine.Login] plus a TOTP or backup code yields a full login result.
//
// The token is consumed on first presentation regardless of whether the code
// verifies. A failed attempt therefore sends the client back to the password
// step; there is no code-guessing loop against a single challenge.
//
// ConfirmLoginMFA may return an error when input validation, dependency calls, or security checks fail.
// ConfirmLoginMFA does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmLoginMFA(ctx context.Context, loginToken, code string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if loginToken == "" {
		return nil, ErrChallengeExpired
	}

	challenge, err := e.mfaLogin.Consume(ctx, loginToken)
	if err != nil {
		if errors.Is(err, ErrChallengeExpired) {
			e.metricInc(MetricChallengeExpired)
			e.emitAudit(ctx, auditEventChallengeExpired, false, "", "", "", err, nil)
			return nil, err
		}
		e.metricInc(MetricStoreError)
		return nil, err
	}

	user, err := e.userStore.FindByID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Account removed between password step and confirmation.
			e.metricInc(MetricMFALoginFailure)
			return nil, ErrChallengeExpired
		}
		e.metricInc(MetricStoreError)
		return nil, err
	}
	identifier := normalizeEmail(user.Email)

	record, err := e.mfaStore.Get(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if record == nil {
		// MFA was disabled mid-flow; the password already verified.
		return e.finishLogin(ctx, user, identifier, false)
	}

	verdict, err := e.verifyMFACode(ctx, user, record, code)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if !verdict.Valid {
		e.metricInc(MetricMFALoginFailure)
		e.emitAudit(ctx, auditEventMFALoginFailure, false, user.ID, identifier, "", ErrMFATokenInvalid, nil)
		if _, err := e.guard.RecordFailure(ctx, e.guardIdentifier(ctx, identifier)); err != nil {
			e.metricInc(MetricStoreError)
			return nil, mapGuardErr(err)
		}
		return nil, ErrMFATokenInvalid
	}

	e.metricInc(MetricMFALoginSuccess)
	e.emitAudit(ctx, auditEventMFALoginSuccess, true, user.ID, identifier, "", nil, nil)
	return e.finishLogin(ctx, user, identifier, verdict.UsedBackupCode)
}
