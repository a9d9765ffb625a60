package authcore

import "errors"

var (
	// ErrInvalidCredentials is an exported constant or variable used by the authentication engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is an exported constant or variable used by the authentication engine.
	ErrRateLimited = errors.New("too many failed attempts")
	// ErrMFATokenInvalid is an exported constant or variable used by the authentication engine.
	ErrMFATokenInvalid = errors.New("invalid mfa token")
	// ErrMFANotEnabled is an exported constant or variable used by the authentication engine.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrChallengeExpired is an exported constant or variable used by the authentication engine.
	ErrChallengeExpired = errors.New("challenge expired or not found")
	// ErrStoreUnavailable is an exported constant or variable used by the authentication engine.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrUserNotFound is an exported constant or variable used by the authentication engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound is an exported constant or variable used by the authentication engine.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenInvalid is an exported constant or variable used by the authentication engine.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrConfigInvalid is an exported constant or variable used by the authentication engine.
	ErrConfigInvalid = errors.New("invalid configuration")
)
