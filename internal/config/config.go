// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Frappe   FrappeConfig
	Import   ImportConfig
	Submit   SubmitConfig
	Auth     AuthConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout must outlast a sequential submission (default: 0, no limit)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for ordinary requests (default: 60s).
	// Submissions use SubmitConfig.Timeout instead.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds the import history database settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty disables run history.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate creates the history tables on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// FrappeConfig holds the school application connection settings.
type FrappeConfig struct {
	// URL is the base URL of the school application (required)
	URL string `env:"FRAPPE_URL" envAlt:"SCHOOL_URL" required:"true"`

	// APIKey and APISecret authenticate calls made without a user session,
	// such as those from the CLI.
	APIKey    string `env:"FRAPPE_API_KEY"`
	APISecret string `env:"FRAPPE_API_SECRET"`

	// Timeout bounds a single RPC call (default: 30s)
	Timeout time.Duration `env:"FRAPPE_TIMEOUT" default:"30s"`

	// ReferenceTTL is how long class/division/fee lists are cached (default: 5m)
	ReferenceTTL time.Duration `env:"REFERENCE_CACHE_TTL" default:"5m"`
}

// ImportConfig holds spreadsheet import session settings.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted upload in bytes (default: 20MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"20971520"`

	// SessionTTL is how long an idle import session is kept (default: 2h)
	SessionTTL time.Duration `env:"IMPORT_SESSION_TTL" default:"2h"`

	// JanitorInterval is how often expired sessions are swept (default: 5m)
	JanitorInterval time.Duration `env:"IMPORT_JANITOR_INTERVAL" default:"5m"`

	// EditDebounce is the quiet window before an edited row is resubmitted (default: 500ms)
	EditDebounce time.Duration `env:"IMPORT_EDIT_DEBOUNCE" default:"500ms"`
}

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	// MaxConcurrent caps submission runs across all sessions (default: 5)
	MaxConcurrent int `env:"SUBMIT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a run waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"SUBMIT_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds one submission request (default: 10m)
	Timeout time.Duration `env:"SUBMIT_TIMEOUT" default:"10m"`

	// RowDelay overrides the pause between sequential calls when positive
	RowDelay time.Duration `env:"SUBMIT_ROW_DELAY" default:"0s"`

	// EditTimeout bounds the resubmission of one edited row (default: 30s)
	EditTimeout time.Duration `env:"SUBMIT_EDIT_TIMEOUT" default:"30s"`
}

// AuthConfig holds identity resolution settings.
type AuthConfig struct {
	// RoleCacheTTL is how long a session's roles are trusted (default: 5m)
	RoleCacheTTL time.Duration `env:"AUTH_ROLE_CACHE_TTL" default:"5m"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload and submit endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	// RequireAPIKey protects the operational endpoints (/metrics) with X-API-Key
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted operational API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HistoryEnabled reports whether a history database is configured.
func (c *DatabaseConfig) HistoryEnabled() bool {
	return c.URL != ""
}
