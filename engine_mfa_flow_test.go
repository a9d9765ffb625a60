package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMFAChallengeFlow(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !result.RequiresMFA || result.MFALoginToken == "" {
		t.Fatalf("expected MFA challenge, got %+v", result)
	}
	if result.Token != "" || result.SessionID != "" {
		t.Fatal("credentials issued before second factor")
	}

	// The enrollment code consumed the current time-step; step forward one.
	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	confirmed, err := engine.ConfirmLoginMFA(ctx, result.MFALoginToken, code)
	if err != nil {
		t.Fatalf("ConfirmLoginMFA failed: %v", err)
	}
	if confirmed.Token == "" || confirmed.SessionID == "" {
		t.Fatalf("incomplete confirmed login: %+v", confirmed)
	}
	if confirmed.UsedBackupCode {
		t.Fatal("TOTP login flagged as backup code use")
	}

	if _, err := engine.ValidateSession(ctx, confirmed.SessionID); err != nil {
		t.Fatalf("confirmed session invalid: %v", err)
	}
}

func TestMFAChallengeIsSingleUse(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// A wrong code burns the challenge token.
	if _, err := engine.ConfirmLoginMFA(ctx, result.MFALoginToken, "000000"); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("wrong code: got %v, want ErrMFATokenInvalid", err)
	}

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	if _, err := engine.ConfirmLoginMFA(ctx, result.MFALoginToken, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("reused token: got %v, want ErrChallengeExpired", err)
	}
}

func TestMFAChallengeExpires(t *testing.T) {
	engine, mr := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	mr.FastForward(engine.config.MFA.LoginTokenTTL + time.Minute)

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	if _, err := engine.ConfirmLoginMFA(ctx, result.MFALoginToken, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("got %v, want ErrChallengeExpired", err)
	}
}

func TestSingleRoundLoginWithInlineCode(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", code)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.RequiresMFA {
		t.Fatal("challenge issued despite inline code")
	}
	if result.Token == "" || result.SessionID == "" {
		t.Fatalf("incomplete login: %+v", result)
	}
}

func TestTOTPCodeCannotBeReplayed(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", code); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", code); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("replayed code: got %v, want ErrMFATokenInvalid", err)
	}
}

func TestLoginWithBackupCode(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	_, codes := enrollMFA(t, engine, "u-admin")
	if len(codes) != engine.config.BackupCode.Count {
		t.Fatalf("got %d backup codes, want %d", len(codes), engine.config.BackupCode.Count)
	}

	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", codes[0])
	if err != nil {
		t.Fatalf("backup code login failed: %v", err)
	}
	if !result.UsedBackupCode {
		t.Fatal("UsedBackupCode not set")
	}

	// Consumed codes never work twice.
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", codes[0]); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("reused backup code: got %v, want ErrMFATokenInvalid", err)
	}

	status, err := engine.MFAStatus(ctx, "u-admin")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.BackupCodesRemaining != engine.config.BackupCode.Count-1 {
		t.Fatalf("got %d remaining, want %d", status.BackupCodesRemaining, engine.config.BackupCode.Count-1)
	}
}

func TestBackupCodeAcceptsSeparators(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	_, codes := enrollMFA(t, engine, "u-admin")

	// Users paste codes formatted the way the UI displayed them.
	formatted := strings.ToUpper(codes[1][:4]) + "-" + codes[1][4:]
	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", formatted)
	if err != nil {
		t.Fatalf("formatted backup code rejected: %v", err)
	}
	if !result.UsedBackupCode {
		t.Fatal("UsedBackupCode not set")
	}
}

func TestSetupWhileEnabledRotatesSecret(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	oldSecret, _ := enrollMFA(t, engine, "u-admin")

	// Re-enrollment starts while the account stays protected.
	setup, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("SetupMFA while enabled failed: %v", err)
	}
	if setup.Secret == oldSecret {
		t.Fatal("re-enrollment reused the committed secret")
	}

	// The committed secret keeps working until the new one is confirmed.
	oldCode := codeForOffset(t, oldSecret, engine.config.TOTP, 1)
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", oldCode); err != nil {
		t.Fatalf("login with committed secret during re-enrollment failed: %v", err)
	}

	newCode := codeForOffset(t, setup.Secret, engine.config.TOTP, 2)
	if _, err := engine.ConfirmMFA(ctx, "u-admin", newCode); err != nil {
		t.Fatalf("confirming re-enrollment failed: %v", err)
	}

	// Confirmation swapped the record: old secret dead, new secret live.
	staleCode := codeForOffset(t, oldSecret, engine.config.TOTP, 3)
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", staleCode); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("old secret after rotation: got %v, want ErrMFATokenInvalid", err)
	}

	freshCode := codeForOffset(t, setup.Secret, engine.config.TOTP, 3)
	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", freshCode)
	if err != nil {
		t.Fatalf("login with rotated secret failed: %v", err)
	}
	if result.SessionID == "" {
		t.Fatalf("incomplete login after rotation: %+v", result)
	}
}

func TestConfirmWithoutPendingSetup(t *testing.T) {
	engine, _ := newLoginTestEngine(t)

	if _, err := engine.ConfirmMFA(context.Background(), "u-admin", "123456"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("got %v, want ErrChallengeExpired", err)
	}
}

func TestPendingSetupExpires(t *testing.T) {
	engine, mr := newLoginTestEngine(t)
	ctx := context.Background()

	setup, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	mr.FastForward(engine.config.MFA.SetupTTL + time.Minute)

	code := codeForNow(t, setup.Secret, engine.config.TOTP)
	if _, err := engine.ConfirmMFA(ctx, "u-admin", code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("got %v, want ErrChallengeExpired", err)
	}
}

func TestConfirmRetriesAfterWrongCode(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	setup, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	// A wrong code leaves the pending setup intact.
	if _, err := engine.ConfirmMFA(ctx, "u-admin", "000000"); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("wrong code: got %v, want ErrMFATokenInvalid", err)
	}

	code := codeForNow(t, setup.Secret, engine.config.TOTP)
	if _, err := engine.ConfirmMFA(ctx, "u-admin", code); err != nil {
		t.Fatalf("retry after wrong code failed: %v", err)
	}
}

func TestSetupOverwritesStalePending(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	first, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("first SetupMFA failed: %v", err)
	}
	second, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("second SetupMFA failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("stale pending secret reissued")
	}

	// Only the latest pending secret confirms.
	if _, err := engine.ConfirmMFA(ctx, "u-admin", codeForNow(t, first.Secret, engine.config.TOTP)); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("stale secret accepted: %v", err)
	}
	if _, err := engine.ConfirmMFA(ctx, "u-admin", codeForNow(t, second.Secret, engine.config.TOTP)); err != nil {
		t.Fatalf("fresh secret rejected: %v", err)
	}
}

func TestBackupCodesCannotConfirmEnrollment(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	setup, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	if _, err := engine.ConfirmMFA(ctx, "u-admin", setup.BackupCodes[0]); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("got %v, want ErrMFATokenInvalid", err)
	}
}

func TestDisableMFARequiresPasswordAndCode(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, _ := enrollMFA(t, engine, "u-admin")

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	if err := engine.DisableMFA(ctx, "u-admin", "wrong password", code); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if err := engine.DisableMFA(ctx, "u-admin", "correct horse battery", "000000"); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("wrong code: got %v", err)
	}

	if err := engine.DisableMFA(ctx, "u-admin", "correct horse battery", code); err != nil {
		t.Fatalf("DisableMFA failed: %v", err)
	}

	status, err := engine.MFAStatus(ctx, "u-admin")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.Enabled {
		t.Fatal("MFA still enabled after disable")
	}

	// Logins no longer demand a second factor.
	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("login after disable failed: %v", err)
	}
	if result.RequiresMFA {
		t.Fatal("challenge issued after MFA disabled")
	}
}

func TestDisableMFAWhenNotEnabled(t *testing.T) {
	engine, _ := newLoginTestEngine(t)

	err := engine.DisableMFA(context.Background(), "u-admin", "correct horse battery", "123456")
	if !errors.Is(err, ErrMFANotEnabled) {
		t.Fatalf("got %v, want ErrMFANotEnabled", err)
	}
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	secret, oldCodes := enrollMFA(t, engine, "u-admin")

	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	newCodes, err := engine.RegenerateBackupCodes(ctx, "u-admin", "correct horse battery", code)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(newCodes) != engine.config.BackupCode.Count {
		t.Fatalf("got %d codes, want %d", len(newCodes), engine.config.BackupCode.Count)
	}

	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", oldCodes[0]); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("old backup code still works: %v", err)
	}
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", newCodes[0]); err != nil {
		t.Fatalf("new backup code rejected: %v", err)
	}
}

func TestMFAStatusForFreshUser(t *testing.T) {
	engine, _ := newLoginTestEngine(t)

	status, err := engine.MFAStatus(context.Background(), "u-staff")
	if err != nil {
		t.Fatalf("MFAStatus failed: %v", err)
	}
	if status.Enabled || status.BackupCodesRemaining != 0 {
		t.Fatalf("fresh user reports MFA state: %+v", status)
	}
}

func TestConfirmEnrollmentRotatesPriorSession(t *testing.T) {
	engine, _ := newLoginTestEngine(t)
	ctx := context.Background()

	login, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	setup, err := engine.SetupMFA(ctx, "u-admin")
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}

	code := codeForNow(t, setup.Secret, engine.config.TOTP)
	confirmed, err := engine.ConfirmMFA(WithPriorSession(ctx, login.SessionID), "u-admin", code)
	if err != nil {
		t.Fatalf("ConfirmMFA failed: %v", err)
	}
	if confirmed.SessionID == login.SessionID {
		t.Fatal("session not rotated on privilege elevation")
	}
	if _, err := engine.ValidateSession(ctx, login.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("pre-elevation session still valid: %v", err)
	}
}
