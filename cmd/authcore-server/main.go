// Command authcore-server runs the authentication service for the admin
// panel.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Load the user seed file.
//  4. Connect to Redis.
//  5. Build the engine and wire HTTP handlers.
//  6. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	authcore "github.com/cartkeeper/authcore"
	"github.com/cartkeeper/authcore/httpapi"
	"github.com/cartkeeper/authcore/metrics/export/prometheus"
)

type serverConfig struct {
	ListenAddr  string `env:"LISTEN_ADDR"  envDefault:":8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`

	RedisAddr     string `env:"REDIS_ADDR,required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"      envDefault:"0"`

	// TokenSigningKey is the HS256 secret for bearer tokens.
	TokenSigningKey string `env:"TOKEN_SIGNING_KEY,required"`
	TokenIssuer     string `env:"TOKEN_ISSUER"  envDefault:"authcore"`

	SessionTTL     time.Duration `env:"SESSION_TTL"     envDefault:"24h"`
	GuardThreshold int           `env:"GUARD_THRESHOLD" envDefault:"10"`
	GuardWindow    time.Duration `env:"GUARD_WINDOW"    envDefault:"1h"`

	// UsersFile is a JSON array of seeded accounts. The engine never writes
	// identities, so a read-only file is a complete user store for this
	// deployment shape.
	UsersFile string `env:"USERS_FILE,required"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With(slog.String("app", "authcore-server"))
	slog.SetDefault(log)

	cfg := serverConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Error("load configuration failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	users, err := loadUsers(cfg.UsersFile)
	if err != nil {
		log.Error("load users failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("user seed loaded", slog.Int("count", len(users.users)))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(startupCtx).Err(); err != nil {
		log.Error("redis ping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	engineCfg := authcore.DefaultConfig()
	engineCfg.Token.PrivateKey = []byte(cfg.TokenSigningKey)
	engineCfg.Token.Issuer = cfg.TokenIssuer
	engineCfg.Session.TTL = cfg.SessionTTL
	engineCfg.Guard.Threshold = cfg.GuardThreshold
	engineCfg.Guard.Window = cfg.GuardWindow
	engineCfg.Production = cfg.Environment == "production"

	engine, err := authcore.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithAuditSink(authcore.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		log.Error("engine build failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	router := chi.NewRouter()
	router.Mount("/", httpapi.NewHandler(engine).Routes())
	router.Get("/metrics", prometheus.NewPrometheusExporter(engine).Handler().ServeHTTP)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sig := <-shutdownCh
	log.Info("shutting down", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

// # User seed file

type seededUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

type fileUserStore struct {
	users []*authcore.UserRecord
}

func loadUsers(path string) (*fileUserStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seeds []seededUser
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, err
	}

	store := &fileUserStore{}
	for _, s := range seeds {
		if s.ID == "" || s.Email == "" || s.PasswordHash == "" {
			return nil, errors.New("seed user missing id, email, or password_hash")
		}
		role := authcore.Role(s.Role)
		if !role.Valid() {
			return nil, errors.New("seed user " + s.ID + " has unknown role " + s.Role)
		}
		store.users = append(store.users, &authcore.UserRecord{
			ID:           s.ID,
			Email:        s.Email,
			PasswordHash: s.PasswordHash,
			Role:         role,
			FirstName:    s.FirstName,
			LastName:     s.LastName,
		})
	}
	return store, nil
}

func (s *fileUserStore) FindByEmail(_ context.Context, email string) (*authcore.UserRecord, error) {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, authcore.ErrUserNotFound
}

func (s *fileUserStore) FindByID(_ context.Context, id string) (*authcore.UserRecord, error) {
	for _, u := range s.users {
		if u.ID == id {
			copied := *u
			return &copied, nil
		}
	}
	return nil, authcore.ErrUserNotFound
}
