package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginLockoutAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.Threshold = 5
	engine, _ := newLoginTestEngineWithConfig(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := engine.Login(ctx, "admin@example.com", "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
	}

	// Even the correct password bounces while the identifier is blocked.
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	d, err := engine.BlockedFor(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("BlockedFor failed: %v", err)
	}
	if d <= 0 || d > cfg.Guard.Window {
		t.Fatalf("implausible block duration %v", d)
	}
}

func TestLockoutIsPerIdentifier(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.Threshold = 3
	engine, _ := newLoginTestEngineWithConfig(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = engine.Login(ctx, "admin@example.com", "wrong", "")
	}
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("blocked identifier: got %v", err)
	}

	if _, err := engine.Login(ctx, "staff@example.com", "staff password 1", ""); err != nil {
		t.Fatalf("unrelated identifier blocked: %v", err)
	}
}

func TestLockoutExpiresWithWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.Threshold = 3
	cfg.Guard.Window = time.Minute
	cfg.Guard.DisableCache = true
	engine, mr := newLoginTestEngineWithConfig(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = engine.Login(ctx, "admin@example.com", "wrong", "")
	}
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected block, got %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", ""); err != nil {
		t.Fatalf("login after window should succeed: %v", err)
	}
}

func TestMFAFailuresFeedLockout(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.Threshold = 3
	engine, _ := newLoginTestEngineWithConfig(t, cfg)
	ctx := context.Background()

	enrollMFA(t, engine, "u-admin")

	// Wrong second-factor codes count against the same identifier as wrong
	// passwords, whether the challenge token or the password check fails.
	for i := 0; i < 3; i++ {
		result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
		if err != nil {
			t.Fatalf("attempt %d: challenge issuance failed: %v", i, err)
		}
		if _, err := engine.ConfirmLoginMFA(ctx, result.MFALoginToken, "000000"); !errors.Is(err, ErrMFATokenInvalid) {
			t.Fatalf("attempt %d: got %v, want ErrMFATokenInvalid", i, err)
		}
	}

	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	d, err := engine.BlockedFor(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("BlockedFor failed: %v", err)
	}
	if d <= 0 {
		t.Fatal("MFA failures did not raise the failure count to the threshold")
	}
}

func TestLockoutFailsClosedWhenRedisDown(t *testing.T) {
	cfg := testConfig()
	cfg.Guard.DisableCache = true
	engine, mr := newLoginTestEngineWithConfig(t, cfg)

	mr.Close()

	_, err := engine.Login(context.Background(), "admin@example.com", "correct horse battery", "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}
