// Package config loads server settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Storage drivers.
const (
	DriverTables = "tables"
	DriverSQLite = "sqlite"
)

// Config holds every setting of the kanban server.
type Config struct {
	Debug      bool   `env:"DEBUG"`
	ListenPort string `env:"FUNCTIONS_CUSTOMHANDLER_PORT" envDefault:"8080"`

	StorageDriver           string `env:"STORAGE_DRIVER" envDefault:"tables"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	CardsTable              string `env:"CARDS_TABLE" envDefault:"KanbanCards"`
	StagesTable             string `env:"STAGES_TABLE" envDefault:"KanbanStages"`
	// EventQueue names an Azure queue receiving a durable copy of board events.
	EventQueue string `env:"EVENT_QUEUE"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/kanban.db"`
	// SeedAccounts receive the default stage set on startup.
	SeedAccounts []string `env:"SEED_ACCOUNTS" envSeparator:","`

	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	CacheTTL              time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	DeduperTTL            time.Duration `env:"DEDUPER_TTL" envDefault:"24h"`

	Auth0Audience string `env:"AUTH0_AUDIENCE"`
	Auth0Domain   string `env:"AUTH0_DOMAIN"`
	AuthTestMode  bool   `env:"AUTH0_TEST_MODE"`
	TestJWTSecret string `env:"TEST_JWT_SECRET"`
	AccountClaim  string `env:"AUTH_ACCOUNT_CLAIM" envDefault:"account_id"`

	CardsPerStage   int           `env:"CARDS_PER_STAGE" envDefault:"50"`
	MaxMoveAttempts int           `env:"MOVE_MAX_ATTEMPTS" envDefault:"3"`
	StreamHeartbeat time.Duration `env:"STREAM_HEARTBEAT" envDefault:"25s"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverTables:
		if c.StorageConnectionString == "" || c.CardsTable == "" || c.StagesTable == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("missing SQLITE_PATH"))
		}
		if c.EventQueue != "" && c.StorageConnectionString == "" {
			errs = append(errs, errors.New("EVENT_QUEUE requires STORAGE_CONNECTION_STRING"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			errs = append(errs, errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET"))
		}
	} else if c.Auth0Audience == "" || c.Auth0Domain == "" {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	if c.DeduperTTL <= 0 {
		errs = append(errs, errors.New("invalid DEDUPER_TTL: must be greater than zero"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("invalid CACHE_TTL: must not be negative"))
	}
	if c.CardsPerStage <= 0 {
		errs = append(errs, errors.New("invalid CARDS_PER_STAGE: must be greater than zero"))
	}
	if c.MaxMoveAttempts <= 0 {
		errs = append(errs, errors.New("invalid MOVE_MAX_ATTEMPTS: must be greater than zero"))
	}
	if c.StreamHeartbeat <= 0 {
		errs = append(errs, errors.New("invalid STREAM_HEARTBEAT: must be greater than zero"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the HTTP server binds.
func (c Config) ListenAddr() string {
	return ":" + c.ListenPort
}

// JWKSURL is the Auth0 key set location.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected token issuer.
func (c Config) Issuer() string {
	return "https://" + c.Auth0Domain + "/"
}

// RedisOptions returns client options for REDIS_CONNECTION_STRING, or nil when
// Redis is not configured. Both redis:// URLs and the Azure style
// "host:port,password=...,ssl=True" form are accepted.
func (c Config) RedisOptions() *redis.Options {
	return ParseRedis(c.RedisConnectionString)
}

// ParseRedis parses a Redis connection string. An empty string yields nil.
func ParseRedis(conn string) *redis.Options {
	if conn == "" {
		return nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
