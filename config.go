package authcore

import (
	"fmt"
	"time"
)

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Token      TokenConfig
	Session    SessionConfig
	TOTP       TOTPConfig
	BackupCode BackupCodeConfig
	MFA        MFAConfig
	Guard      GuardConfig
	Audit      AuditConfig
	Metrics    MetricsConfig

	// Production tightens transport-sensitive behavior: the session cookie is
	// marked Secure and the non-durable session fallback logs loudly.
	Production bool
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig defines a public type used by authcore APIs.
//
// TokenConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by authcore APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	RedisPrefix string

	// TTL is the rolling session lifetime. The cookie MaxAge and the
	// server-side store TTL always match.
	TTL     time.Duration
	Rolling bool

	CookieName   string
	CookiePath   string
	CookieDomain string
}

/*
====================================
MFA CONFIG
====================================
*/

// TOTPConfig defines a public type used by authcore APIs.
//
// TOTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TOTPConfig struct {
	Issuer       string
	Digits       int
	Period       int // seconds per time-step
	Skew         int // accepted steps on either side of now
	Algorithm    string
	SecretLength int // raw secret bytes before base32

	// EnforceReplayProtection rejects a TOTP code whose time-step counter was
	// already consumed, even inside the accepted window.
	EnforceReplayProtection bool
}

// BackupCodeConfig defines a public type used by authcore APIs.
//
// BackupCodeConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type BackupCodeConfig struct {
	Count  int
	Length int // hex characters per code
}

// MFAConfig defines a public type used by authcore APIs.
//
// MFAConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFAConfig struct {
	// SetupTTL bounds how long a pending enrollment stays confirmable.
	SetupTTL time.Duration

	// LoginTokenTTL bounds the window between a successful password check and
	// the second-factor submission.
	LoginTokenTTL time.Duration
}

/*
====================================
GUARD CONFIG
====================================
*/

// GuardConfig defines a public type used by authcore APIs.
//
// GuardConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type GuardConfig struct {
	// Threshold is the failed-attempt count at which an identifier is blocked.
	Threshold int

	// Window is the rolling failure window and the block duration. A counter
	// whose last failure is older than Window restarts at 1.
	Window time.Duration

	// DisableCache turns off the in-process blocked-identifier cache. The
	// cache is a latency optimization only; Redis stays authoritative.
	DisableCache bool
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig defines a public type used by authcore APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authcore APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the configuration the admin panel ships with. Every
// duration and threshold here is a deliberate security default; overrides are
// validated at Build time.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "authcore",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "as",
			TTL:         24 * time.Hour,
			Rolling:     true,
			CookieName:  "admin_session",
			CookiePath:  "/",
		},
		TOTP: TOTPConfig{
			Issuer:                  "authcore",
			Digits:                  6,
			Period:                  30,
			Skew:                    2,
			Algorithm:               "SHA1",
			SecretLength:            20,
			EnforceReplayProtection: true,
		},
		BackupCode: BackupCodeConfig{
			Count:  10,
			Length: 8,
		},
		MFA: MFAConfig{
			SetupTTL:      30 * time.Minute,
			LoginTokenTTL: 10 * time.Minute,
		},
		Guard: GuardConfig{
			Threshold: 10,
			Window:    time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func validateConfig(cfg Config) error {
	if cfg.Token.AccessTTL <= 0 || cfg.Token.AccessTTL > time.Hour {
		return fmt.Errorf("%w: token access TTL must be in (0, 1h]", ErrConfigInvalid)
	}
	if cfg.Session.TTL <= 0 {
		return fmt.Errorf("%w: session TTL must be positive", ErrConfigInvalid)
	}
	if cfg.Session.CookieName == "" {
		return fmt.Errorf("%w: session cookie name required", ErrConfigInvalid)
	}
	if cfg.TOTP.Digits < 6 || cfg.TOTP.Digits > 8 {
		return fmt.Errorf("%w: totp digits must be 6-8", ErrConfigInvalid)
	}
	if cfg.TOTP.Period <= 0 {
		return fmt.Errorf("%w: totp period must be positive", ErrConfigInvalid)
	}
	if cfg.TOTP.Skew < 0 || cfg.TOTP.Skew > 4 {
		return fmt.Errorf("%w: totp skew must be 0-4", ErrConfigInvalid)
	}
	if cfg.TOTP.SecretLength < 20 {
		return fmt.Errorf("%w: totp secret must be at least 20 bytes", ErrConfigInvalid)
	}
	if cfg.BackupCode.Count <= 0 || cfg.BackupCode.Length < 8 {
		return fmt.Errorf("%w: backup codes need positive count and length >= 8", ErrConfigInvalid)
	}
	if cfg.MFA.SetupTTL <= 0 || cfg.MFA.LoginTokenTTL <= 0 {
		return fmt.Errorf("%w: mfa TTLs must be positive", ErrConfigInvalid)
	}
	if cfg.Guard.Threshold <= 0 {
		return fmt.Errorf("%w: guard threshold must be positive", ErrConfigInvalid)
	}
	if cfg.Guard.Window <= 0 {
		return fmt.Errorf("%w: guard window must be positive", ErrConfigInvalid)
	}
	return nil
}
