package authcore

import (
	"context"
	"time"
)

// SetupMFA starts (or restarts) TOTP enrollment for a user. It returns the
// shared secret, the otpauth:// provisioning URI, and the one-time backup
// codes. Nothing is trusted until [Engine.ConfirmMFA] proves possession; an
// unconfirmed setup expires on its own.
//
// SetupMFA is also how an already-enrolled user rotates their secret: the
// committed record keeps protecting logins until the new pending setup is
// confirmed, at which point it is replaced wholesale. Calling SetupMFA again
// before confirming overwrites the stale pending setup.
//
// Plaintext backup codes exist only in the returned value. Only their salted
// hashes are stored.
//
// SetupMFA may return an error when input validation, dependency calls, or security checks fail.
// SetupMFA does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SetupMFA(ctx context.Context, userID string) (*MFASetup, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	user, err := e.userStore.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes(user.ID, e.config.BackupCode.Count, e.config.BackupCode.Length)
	if err != nil {
		return nil, err
	}

	pending := &pendingSetup{
		Secret:     secret,
		CreatedAt:  time.Now().Unix(),
		CodeHashes: hashes,
	}
	if err := e.mfaStore.SavePending(ctx, user.ID, pending, e.config.MFA.SetupTTL); err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}

	e.emitAudit(ctx, auditEventMFASetupStarted, true, user.ID, user.Email, "", nil, nil)

	return &MFASetup{
		Secret:          secretBase32,
		ProvisioningURI: e.totp.ProvisionURI(secretBase32, user.Email),
		BackupCodes:     codes,
	}, nil
}

// ConfirmMFA commits a pending enrollment after the user proves possession of
// the secret with one valid TOTP code. Backup codes cannot confirm an
// enrollment. If the user was already enrolled, the promoted setup replaces
// the previous secret and backup codes in one step.
//
// A wrong code leaves the pending setup intact: enrollment failures are a
// usability problem (clock skew, typos), not a credential-guessing signal,
// so they do not feed the failed-attempt guard.
//
// On success the caller's session identifier is regenerated when a prior
// session travels in ctx (see [WithPriorSession]); the returned result then
// carries the replacement session and a fresh bearer token.
//
// ConfirmMFA may return an error when input validation, dependency calls, or security checks fail.
// ConfirmMFA does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmMFA(ctx context.Context, userID, code string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	user, err := e.userStore.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending, err := e.mfaStore.GetPending(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if pending == nil {
		e.metricInc(MetricChallengeExpired)
		return nil, ErrChallengeExpired
	}

	ok, counter, err := e.totp.VerifyCode(pending.Secret, code, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventMFAEnabled, false, user.ID, user.Email, "", ErrMFATokenInvalid, nil)
		return nil, ErrMFATokenInvalid
	}

	record := &mfaRecord{
		Secret:      pending.Secret,
		ConfirmedAt: time.Now().Unix(),
	}
	if err := e.mfaStore.Promote(ctx, user.ID, record, pending.CodeHashes); err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if e.config.TOTP.EnforceReplayProtection {
		// The confirming code is spent; it must not also pass a login.
		if _, err := e.mfaStore.ClaimCounter(ctx, user.ID, counter); err != nil {
			e.metricInc(MetricStoreError)
			return nil, err
		}
	}

	e.metricInc(MetricMFAEnabled)
	e.metricInc(MetricTOTPSuccess)

	result, err := e.issueSession(ctx, user)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	e.emitAudit(ctx, auditEventMFAEnabled, true, user.ID, user.Email, result.SessionID, nil, nil)
	return result, nil
}

// DisableMFA turns MFA off for a user. It demands the account password AND a
// currently valid MFA code; a stolen session alone cannot weaken the account.
//
// DisableMFA may return an error when input validation, dependency calls, or security checks fail.
// DisableMFA does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) DisableMFA(ctx context.Context, userID, plainPassword, code string) error {
	if err := e.ready(); err != nil {
		return err
	}

	user, err := e.requireMFAAuth(ctx, userID, plainPassword, code)
	if err != nil {
		return err
	}

	if err := e.mfaStore.Disable(ctx, user.ID); err != nil {
		e.metricInc(MetricStoreError)
		return err
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, user.ID, user.Email, "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the full backup code set under the same
// gating as [Engine.DisableMFA]: password plus a valid MFA code. Old codes
// stop working the moment the swap commits.
//
// RegenerateBackupCodes may return an error when input validation, dependency calls, or security checks fail.
// RegenerateBackupCodes does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, plainPassword, code string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	user, err := e.requireMFAAuth(ctx, userID, plainPassword, code)
	if err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes(user.ID, e.config.BackupCode.Count, e.config.BackupCode.Length)
	if err != nil {
		return nil, err
	}
	if err := e.mfaStore.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesReset, true, user.ID, user.Email, "", nil, nil)
	return codes, nil
}

// MFAStatus reports whether MFA is enabled for a user, when it was confirmed,
// and how many backup codes remain.
//
// MFAStatus may return an error when input validation, dependency calls, or security checks fail.
// MFAStatus does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MFAStatus(ctx context.Context, userID string) (*MFAStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	record, err := e.mfaStore.Get(ctx, userID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if record == nil {
		return &MFAStatus{}, nil
	}

	remaining, err := e.mfaStore.CountBackupCodes(ctx, userID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}

	return &MFAStatus{
		Enabled:              true,
		ConfirmedAt:          record.ConfirmedAt,
		BackupCodesRemaining: remaining,
	}, nil
}

// requireMFAAuth is the shared gate for destructive MFA management: the user
// must present the account password and a valid current code.
func (e *Engine) requireMFAAuth(ctx context.Context, userID, plainPassword, code string) (*UserRecord, error) {
	user, err := e.userStore.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	record, err := e.mfaStore.Get(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if record == nil {
		return nil, ErrMFANotEnabled
	}

	ok, err := e.passwordHash.Compare(plainPassword, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	verdict, err := e.verifyMFACode(ctx, user, record, code)
	if err != nil {
		e.metricInc(MetricStoreError)
		return nil, err
	}
	if !verdict.Valid {
		return nil, ErrMFATokenInvalid
	}
	return user, nil
}

// verifyMFACode checks code against the committed record: TOTP first, backup
// code second. A TOTP match inside the window can still be rejected when its
// time-step was already consumed.
func (e *Engine) verifyMFACode(ctx context.Context, user *UserRecord, record *mfaRecord, code string) (*MFAVerdict, error) {
	ok, counter, err := e.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil {
		return nil, err
	}
	if ok {
		if e.config.TOTP.EnforceReplayProtection {
			claimed, err := e.mfaStore.ClaimCounter(ctx, user.ID, counter)
			if err != nil {
				return nil, err
			}
			if !claimed {
				e.metricInc(MetricTOTPReplayAttempt)
				return &MFAVerdict{}, nil
			}
		}
		e.metricInc(MetricTOTPSuccess)
		return &MFAVerdict{Valid: true}, nil
	}

	canonical := canonicalizeBackupCode(code)
	if len(canonical) == e.config.BackupCode.Length {
		consumed, err := e.mfaStore.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, canonical))
		if err != nil {
			return nil, err
		}
		if consumed {
			return &MFAVerdict{Valid: true, UsedBackupCode: true}, nil
		}
		e.metricInc(MetricBackupCodeFailed)
		return &MFAVerdict{}, nil
	}

	e.metricInc(MetricTOTPFailure)
	return &MFAVerdict{}, nil
}
