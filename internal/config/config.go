package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Backend   BackendConfig   `json:"backend"`
	Database  DatabaseConfig  `json:"database"`
	Cache     CacheConfig     `json:"cache"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Session   SessionConfig   `json:"session"`
	Tracing   TracingConfig   `json:"tracing"`
	Features  FeaturesConfig  `json:"features"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
	// Seconds to wait for in-flight requests on shutdown.
	ShutdownTimeout int `json:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// BackendConfig points at the rewards, current-user and redemption services.
type BackendConfig struct {
	BaseURL         string `json:"base_url"`
	Timeout         int    `json:"timeout"` // in seconds
	CurrentUserPath string `json:"current_user_path"`
	RedeemPath      string `json:"redeem_path"`
}

// TimeoutDuration returns the request timeout.
func (b BackendConfig) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// CacheConfig selects the catalog snapshot cache. An empty RedisAddr keeps
// snapshots in memory.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	Prefix        string `json:"prefix"`
	SnapshotTTL   int    `json:"snapshot_ttl"` // in seconds
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
	// Required in X-Admin-Token for the feature flag routes when set.
	AdminToken string `json:"admin_token"`
}

// Origins splits AllowedOrigins.
func (s SecurityConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// SessionConfig controls per-token session lifetime.
type SessionConfig struct {
	IdleTimeout int `json:"idle_timeout"` // in seconds
	SweepEvery  int `json:"sweep_every"`  // in seconds
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
}

// FeaturesConfig holds the initial feature flag values.
type FeaturesConfig struct {
	CatalogSnapshots         bool `json:"catalog_snapshots"`
	ServerSideCategoryFilter bool `json:"server_side_category_filter"`
	ReceiptHistory           bool `json:"receipt_history"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Development bool `json:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15,
		},
		Backend: BackendConfig{
			BaseURL:         "http://localhost:3000/api",
			Timeout:         15,
			CurrentUserPath: "/users/me",
			RedeemPath:      "/rewards/{id}/redeem",
		},
		Database: DatabaseConfig{
			Path: "./ecopuntos.db",
		},
		Cache: CacheConfig{
			Prefix:      "ecopuntos",
			SnapshotTTL: 24 * 60 * 60,
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20, // 1MB default
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Session: SessionConfig{
			IdleTimeout: 30 * 60,
			SweepEvery:  60,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: "ecopuntos-rewards",
			Environment: "development",
		},
		Features: FeaturesConfig{
			CatalogSnapshots: true,
			ReceiptHistory:   true,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional JSON file, an
// optional .env file and the environment, in that order of precedence.
func LoadConfig(configFile, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv populates the environment from path without overriding
// variables that are already set. A missing default .env is not an error.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) error {
	e := envReader{}

	e.setString("SERVER_PORT", &cfg.Server.Port)
	e.setString("SERVER_HOST", &cfg.Server.Host)
	e.setInt("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	e.setString("BACKEND_BASE_URL", &cfg.Backend.BaseURL)
	e.setInt("BACKEND_TIMEOUT", &cfg.Backend.Timeout)
	e.setString("BACKEND_CURRENT_USER_PATH", &cfg.Backend.CurrentUserPath)
	e.setString("BACKEND_REDEEM_PATH", &cfg.Backend.RedeemPath)

	e.setString("DATABASE_PATH", &cfg.Database.Path)

	e.setString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.setString("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.setInt("REDIS_DB", &cfg.Cache.RedisDB)
	e.setString("CACHE_PREFIX", &cfg.Cache.Prefix)
	e.setInt("CATALOG_SNAPSHOT_TTL", &cfg.Cache.SnapshotTTL)

	e.setInt64("MAX_REQUEST_BODY_SIZE", &cfg.Security.MaxRequestBodySize)
	e.setString("ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	e.setString("ADMIN_TOKEN", &cfg.Security.AdminToken)

	e.setBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	e.setInt("RATE_LIMIT_RATE", &cfg.RateLimit.Rate)
	e.setInt("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)

	e.setInt("SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)
	e.setInt("SESSION_SWEEP_EVERY", &cfg.Session.SweepEvery)

	e.setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.setString("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	e.setString("TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	e.setString("ENVIRONMENT", &cfg.Tracing.Environment)

	e.setBool("FEATURE_CATALOG_SNAPSHOTS", &cfg.Features.CatalogSnapshots)
	e.setBool("FEATURE_SERVER_SIDE_CATEGORY_FILTER", &cfg.Features.ServerSideCategoryFilter)
	e.setBool("FEATURE_RECEIPT_HISTORY", &cfg.Features.ReceiptHistory)

	e.setBool("LOG_DEVELOPMENT", &cfg.Log.Development)

	return errors.Join(e.errs...)
}

// envReader assigns set environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) setString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func (e *envReader) setInt(key string, dst *int) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return
	}
	*dst = i
}

func (e *envReader) setInt64(key string, dst *int64) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return
	}
	*dst = i
}

func (e *envReader) setBool(key string, dst *bool) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return
	}
	*dst = b
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base url is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base url %q is not an absolute URL", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if !strings.HasPrefix(c.Backend.CurrentUserPath, "/") || !strings.HasPrefix(c.Backend.RedeemPath, "/") {
		return fmt.Errorf("backend paths must start with /")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Security.MaxRequestBodySize <= 0 {
		return fmt.Errorf("max request body size must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepEvery <= 0 {
		return fmt.Errorf("session idle timeout and sweep interval must be positive")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	return nil
}
