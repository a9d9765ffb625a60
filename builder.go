package authcore

import (
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/cartkeeper/authcore/internal/guard"
	"github.com/cartkeeper/authcore/jwt"
	"github.com/cartkeeper/authcore/password"
	"github.com/cartkeeper/authcore/session"
)

// Builder defines a public type used by authcore APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userStore    UserStore
	passwordHash PasswordHasher
	sessionStore session.Store
	auditSink    AuditSink

	built bool
}

// New returns a [Builder] seeded with [DefaultConfig].
//
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
//
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing MFA state, the failed-attempt
// guard, and (by default) sessions.
//
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the identity lookup.
//
// WithUserStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithPasswordHasher overrides the default Argon2id hasher.
//
// WithPasswordHasher does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPasswordHasher(hasher PasswordHasher) *Builder {
	b.passwordHash = hasher
	return b
}

// WithSessionStore overrides the session backend. The in-memory store is the
// intended override for development; in production a non-durable store is
// logged loudly at Build time.
//
// WithSessionStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessionStore = store
	return b
}

// WithAuditSink sets the destination for audit events.
//
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration, wires every component, and returns the
// [Engine]. A builder can be used once.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := b.config

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Token.PrivateKey) == 0 {
		return nil, errors.New("token private key required")
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher := b.passwordHash
	if hasher == nil {
		hasher, err = password.NewHasher(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	sessionStore := b.sessionStore
	if sessionStore == nil {
		sessionStore = session.NewRedisStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.Rolling)
	}
	if !sessionStore.Durable() {
		if cfg.Production {
			log.Printf("authcore: WARNING: non-durable session store in production; all logins drop on every restart")
		} else {
			log.Printf("authcore: session store is not durable; logins will not survive a restart")
		}
	}

	sessions := session.NewManager(sessionStore, session.Options{
		TTL:          cfg.Session.TTL,
		Rolling:      cfg.Session.Rolling,
		CookieName:   cfg.Session.CookieName,
		CookiePath:   cfg.Session.CookiePath,
		CookieDomain: cfg.Session.CookieDomain,
		Secure:       cfg.Production,
	})

	engine := &Engine{
		config:       cfg,
		userStore:    b.userStore,
		passwordHash: hasher,
		sessions:     sessions,
		jwtManager:   jwtManager,
		totp:         newTOTPManager(cfg.TOTP),
		mfaStore:     newMFAStore(b.redis),
		mfaLogin:     newMFALoginStore(b.redis),
		guard: guard.New(b.redis, guard.Config{
			Threshold:    cfg.Guard.Threshold,
			Window:       cfg.Guard.Window,
			DisableCache: cfg.Guard.DisableCache,
		}),
		audit:   newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics: NewMetrics(cfg.Metrics),
	}

	return engine, nil
}
