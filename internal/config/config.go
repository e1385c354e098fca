package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Reconcile ReconcileConfig
	Links     LinksConfig
	Auth      AuthConfig
	App       AppConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" required:"true"`
	Host            string        `envconfig:"SERVER_HOST" required:"true"`
	BaseURL         string        `envconfig:"SERVER_BASE_URL" required:"true"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
	CORSOrigins     []string      `envconfig:"SERVER_CORS_ORIGINS"` // empty allows all
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("read, write and idle timeouts must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" required:"true"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	Name     string `envconfig:"DB_NAME" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" default:"2"`
	Migrate  bool   `envconfig:"DB_MIGRATE" default:"true"` // apply embedded migrations on start

	QueryTimeout time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"2s"` // bound on each repository call
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.MaxConns <= 0 || c.MinConns <= 0 {
		return fmt.Errorf("connection pool sizes must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) cannot be greater than max connections (%d)", c.MinConns, c.MaxConns)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	switch c.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", c.SSLMode)
	}
	return nil
}

// URL returns the PostgreSQL connection URL.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// RedisConfig holds fast store connection configuration.
type RedisConfig struct {
	Addr        string        `envconfig:"REDIS_ADDR" required:"true"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize    int           `envconfig:"REDIS_POOL_SIZE" default:"20"`
	OpTimeout   time.Duration `envconfig:"REDIS_OP_TIMEOUT" default:"250ms"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"2s"`
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid redis address %q: %w", c.Addr, err)
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db cannot be negative")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("redis pool size must be positive")
	}
	if c.OpTimeout <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("redis timeouts must be positive")
	}
	return nil
}

// CacheConfig holds metadata cache configuration.
type CacheConfig struct {
	MetadataTTL time.Duration `envconfig:"CACHE_METADATA_TTL" default:"1h"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.MetadataTTL <= 0 {
		return fmt.Errorf("metadata TTL must be positive")
	}
	return nil
}

// ReconcileConfig holds click count reconciliation configuration.
type ReconcileConfig struct {
	Enabled  bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	Interval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"4m"`
}

// Validate validates the reconciliation configuration.
func (c *ReconcileConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("reconcile lock TTL must be positive")
	}
	return nil
}

// LinksConfig holds link creation policy.
type LinksConfig struct {
	KeyLength         int `envconfig:"LINK_KEY_LENGTH" default:"6"`
	KeyMaxRetries     int `envconfig:"LINK_KEY_MAX_RETRIES" default:"5"`
	DefaultExpiryDays int `envconfig:"LINK_DEFAULT_EXPIRY_DAYS" default:"30"`
}

// Validate validates the link configuration.
func (c *LinksConfig) Validate() error {
	if c.KeyLength < 4 || c.KeyLength > 32 {
		return fmt.Errorf("key length must be between 4 and 32, got %d", c.KeyLength)
	}
	if c.KeyMaxRetries <= 0 {
		return fmt.Errorf("key max retries must be positive")
	}
	if c.DefaultExpiryDays <= 0 {
		return fmt.Errorf("default expiry days must be positive")
	}
	return nil
}

// DefaultExpiry returns the expiry applied to anonymous links.
func (c *LinksConfig) DefaultExpiry() time.Duration {
	return time.Duration(c.DefaultExpiryDays) * 24 * time.Hour
}

// AuthConfig holds caller identity configuration.
type AuthConfig struct {
	JWTSecret string `envconfig:"AUTH_JWT_SECRET"` // empty: every caller is anonymous
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT secret must be at least 16 bytes")
	}
	return nil
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment    string `envconfig:"APP_ENV" required:"true"`   // development, staging, production, test
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"` // debug, info, warn, error
	ServiceName    string `envconfig:"SERVICE_NAME" default:"shortlink"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"dev"`
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	return nil
}

type section struct {
	name     string
	target   any
	validate func() error
}

// Load loads configuration from environment variables only.
// (.env loading happens in app.New for development and test.)
func Load() (*Config, error) {
	cfg := &Config{}

	sections := []section{
		{"Server", &cfg.Server, cfg.Server.Validate},
		{"Database", &cfg.Database, cfg.Database.Validate},
		{"Redis", &cfg.Redis, cfg.Redis.Validate},
		{"Cache", &cfg.Cache, cfg.Cache.Validate},
		{"Reconcile", &cfg.Reconcile, cfg.Reconcile.Validate},
		{"Links", &cfg.Links, cfg.Links.Validate},
		{"Auth", &cfg.Auth, cfg.Auth.Validate},
		{"App", &cfg.App, cfg.App.Validate},
	}

	for _, s := range sections {
		if err := envconfig.Process("", s.target); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", s.name, err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}
