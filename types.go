package authcore

import "context"

// Role defines a public type used by authcore APIs.
//
// Role instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Role string

const (
	// RoleCustomer is an exported constant or variable used by the authentication engine.
	RoleCustomer Role = "customer"
	// RoleStaff is an exported constant or variable used by the authentication engine.
	RoleStaff Role = "staff"
	// RoleManager is an exported constant or variable used by the authentication engine.
	RoleManager Role = "manager"
	// RoleAdmin is an exported constant or variable used by the authentication engine.
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the known role values.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStaff, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// UserRecord defines a public type used by authcore APIs.
//
// UserRecord instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	FirstName    string
	LastName     string
}

// UserStore is the boundary to the external user-account store. The engine
// never creates, mutates, or deletes identities; it only reads them.
//
// Implementations must return [ErrUserNotFound] (or an error wrapping it) when
// no identity matches, so the engine can collapse "no such user" and "wrong
// password" into one indistinguishable failure.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	FindByID(ctx context.Context, id string) (*UserRecord, error)
}

// PasswordHasher is the boundary to the slow password hash. The engine assumes
// Compare is constant-time with respect to the submitted password.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Compare(plain, encodedHash string) (bool, error)
}

// LoginResult defines a public type used by authcore APIs.
//
// LoginResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type LoginResult struct {
	// RequiresMFA is set when the password check passed but the account has a
	// second factor enabled and no valid code accompanied the request. The
	// caller must retry with MFALoginToken plus a TOTP or backup code.
	RequiresMFA bool

	// MFALoginToken is the one-time challenge handle issued alongside
	// RequiresMFA. It expires after Config.MFA.LoginTokenTTL and is consumed
	// on first presentation regardless of the verification outcome.
	MFALoginToken string

	// Token is the signed short-lived bearer credential carrying
	// {userId, email, role}. Empty until login fully succeeds.
	Token string

	// SessionID identifies the freshly regenerated server-side session.
	SessionID string

	// CSRFToken is the anti-CSRF secret minted into the new session.
	CSRFToken string

	User *UserRecord

	// UsedBackupCode reports that the second factor was satisfied by
	// consuming a one-time backup code rather than a TOTP code.
	UsedBackupCode bool
}

// MFASetup defines a public type used by authcore APIs.
//
// MFASetup instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFASetup struct {
	// Secret is the base32-encoded shared secret, shown to the user exactly
	// once for manual entry into an authenticator app.
	Secret string

	// ProvisioningURI is the otpauth://totp/... URI; the UI renders it as a
	// QR code.
	ProvisioningURI string

	// BackupCodes are the plaintext one-time recovery codes. Only hashes are
	// persisted; this is the single opportunity to display them.
	BackupCodes []string
}

// MFAStatus defines a public type used by authcore APIs.
//
// MFAStatus instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFAStatus struct {
	Enabled              bool
	ConfirmedAt          int64
	BackupCodesRemaining int
}

// MFAVerdict reports the outcome of a second-factor verification attempt.
type MFAVerdict struct {
	Valid          bool
	UsedBackupCode bool
}
