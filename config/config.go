// Package config loads service configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"

	"github.com/wafflemaker/webpush"
	"github.com/wafflemaker/webpush/keys"
	"github.com/wafflemaker/webpush/storage"
	"github.com/wafflemaker/webpush/vapid"
)

// ErrPushDisabled is returned when VAPID configuration is missing or
// unusable. Callers keep running without push delivery.
var ErrPushDisabled = errors.New("push notifications disabled")

// Config is read from environment variables, optionally seeded by a .env file.
type Config struct {
	Port     int    `env:"PORT, default=8080"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// VAPIDPrivateKey holds a private JWK or a base64url scalar.
	// VAPIDPrivateKeyFile and VAPIDKMSKey are alternatives to it.
	VAPIDPublicKey      string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey     string        `env:"VAPID_PRIVATE_KEY"`
	VAPIDPrivateKeyFile string        `env:"VAPID_PRIVATE_KEY_FILE"`
	VAPIDKMSKey         string        `env:"VAPID_KMS_KEY"`
	VAPIDSubject        string        `env:"VAPID_SUBJECT"`
	VAPIDExpiration     time.Duration `env:"VAPID_EXPIRATION, default=12h"`

	PushTTL         int           `env:"PUSH_TTL, default=86400"`
	PushUrgency     string        `env:"PUSH_URGENCY, default=normal"`
	PushTimeout     time.Duration `env:"PUSH_TIMEOUT, default=10s"`
	PushConcurrency int           `env:"PUSH_CONCURRENCY, default=8"`

	StorageDriver string `env:"STORAGE_DRIVER, default=sqlite"`
	SQLitePath    string `env:"SQLITE_PATH, default=webpush.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR, default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB, default=0"`
}

// Load reads .env from the working directory, if present, and then the
// process environment. Variables already set take precedence over .env.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration through l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var c Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings that do not depend on key material.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.StorageDriver == "postgres" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the postgres driver")
	}
	if !webpush.Urgency(c.PushUrgency).Valid() {
		return fmt.Errorf("invalid PUSH_URGENCY %q", c.PushUrgency)
	}
	if c.PushTTL <= 0 {
		return fmt.Errorf("PUSH_TTL must be positive, got %d", c.PushTTL)
	}
	if c.PushConcurrency <= 0 {
		return fmt.Errorf("PUSH_CONCURRENCY must be positive, got %d", c.PushConcurrency)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Signer loads the VAPID private key. When VAPID_PUBLIC_KEY is set it must
// be the public half of that key. Every failure wraps ErrPushDisabled.
func (c *Config) Signer(ctx context.Context) (vapid.Signer, error) {
	var (
		signer vapid.Signer
		err    error
	)
	switch {
	case c.VAPIDKMSKey != "":
		signer, err = keys.NewKMSSigner(ctx, c.VAPIDKMSKey)
	case c.VAPIDPrivateKey != "":
		signer, err = keys.ParsePrivateKey(c.VAPIDPrivateKey)
	case c.VAPIDPrivateKeyFile != "":
		signer, err = keys.NewFileSigner(c.VAPIDPrivateKeyFile)
	default:
		return nil, fmt.Errorf("%w: no VAPID private key configured", ErrPushDisabled)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading VAPID private key: %w", ErrPushDisabled, err)
	}
	if c.VAPIDPublicKey != "" {
		if err := keys.MatchPublicKey(signer, c.VAPIDPublicKey); err != nil {
			return nil, fmt.Errorf("%w: VAPID_PUBLIC_KEY: %w", ErrPushDisabled, err)
		}
	}
	return signer, nil
}

// Authenticator wraps signer with the configured subject and token
// lifetime. Every failure wraps ErrPushDisabled.
func (c *Config) Authenticator(signer vapid.Signer) (*vapid.Authenticator, error) {
	if c.VAPIDSubject == "" {
		return nil, fmt.Errorf("%w: VAPID_SUBJECT is not set", ErrPushDisabled)
	}
	auth, err := vapid.NewAuthenticator(signer, c.VAPIDSubject, vapid.WithExpiration(c.VAPIDExpiration))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPushDisabled, err)
	}
	return auth, nil
}

// PushOptions returns the per-message settings for every send.
func (c *Config) PushOptions() *webpush.Options {
	return &webpush.Options{
		TTL:     c.PushTTL,
		Urgency: webpush.Urgency(c.PushUrgency),
	}
}

// Storage opens the configured subscription store.
func (c *Config) Storage(ctx context.Context) (storage.Storage, error) {
	switch c.StorageDriver {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		return storage.NewSQLite(c.SQLitePath)
	case "postgres":
		return storage.NewPostgres(ctx, c.DatabaseURL)
	case "redis":
		return storage.NewRedis(ctx, &redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
	}
	return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
}
