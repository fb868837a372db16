// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/testdrivenio/flask-spa-auth/internal/cookie"
)

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name    string
	Version string
	Env     string
	Port    string
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// ProfilingConfig controls continuous profiling.
type ProfilingConfig struct {
	Enabled  bool
	Endpoint string
}

// SessionConfig controls server-side sessions and their cookie.
type SessionConfig struct {
	CookieName      string
	TTL             time.Duration
	Backend         string // memory | redis | postgres
	JanitorInterval time.Duration
}

// CSRFConfig controls the double-submit token service.
type CSRFConfig struct {
	CookieName   string
	HeaderName   string
	Secret       string // hex-encoded; empty means generate one at startup
	TTL          time.Duration
	ProtectReads bool
}

// CookieConfig selects the deployment topology the cookie attributes are
// derived from.
type CookieConfig struct {
	Topology string
	Domain   string
	Secure   bool
}

// CORSConfig lists the browser origins allowed to make credentialed calls.
type CORSConfig struct {
	AllowedOrigins []string
}

// StoreConfig points the repositories at their backing stores.
type StoreConfig struct {
	UserBackend   string // memory | postgres
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
}

// SeedConfig describes the account seeded into the in-memory user backend.
type SeedConfig struct {
	Username    string
	Password    string
	DisplayName string
}

// SSOConfig enables the optional OpenID Connect login flow.
type SSOConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// WebConfig points at the built SPA assets for single-origin deployments.
type WebConfig struct {
	Dir string
}

// ShutdownConfig tunes graceful shutdown.
type ShutdownConfig struct {
	ReadinessDrainDelaySeconds int
	ShutdownTimeoutSeconds     int
}

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
	Profiling ProfilingConfig
	Session   SessionConfig
	CSRF      CSRFConfig
	Cookie    CookieConfig
	CORS      CORSConfig
	Store     StoreConfig
	Seed      SeedConfig
	SSO       SSOConfig
	Web       WebConfig
	Shutdown  ShutdownConfig
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real deployments set the
// environment directly.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Service: ServiceConfig{
			Name:    getEnv("SERVICE_NAME", "flask-spa-auth"),
			Version: getEnv("SERVICE_VERSION", "dev"),
			Env:     getEnv("ENV", "development"),
			Port:    getEnv("PORT", "5000"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Enabled:    getEnvBool("TRACING_ENABLED", false),
			Endpoint:   getEnv("TRACING_ENDPOINT", "localhost:4318"),
			SampleRate: getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Profiling: ProfilingConfig{
			Enabled:  getEnvBool("PROFILING_ENABLED", false),
			Endpoint: getEnv("PROFILING_ENDPOINT", "http://localhost:4040"),
		},
		Session: SessionConfig{
			CookieName:      getEnv("SESSION_COOKIE_NAME", "session"),
			TTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
			Backend:         getEnv("SESSION_BACKEND", "memory"),
			JanitorInterval: getEnvDuration("SESSION_JANITOR_INTERVAL", 10*time.Minute),
		},
		CSRF: CSRFConfig{
			CookieName:   getEnv("CSRF_COOKIE_NAME", "csrftoken"),
			HeaderName:   getEnv("CSRF_HEADER_NAME", "X-CSRFToken"),
			Secret:       getEnv("CSRF_SECRET", ""),
			TTL:          getEnvDuration("CSRF_TTL", time.Hour),
			ProtectReads: getEnvBool("CSRF_PROTECT_READS", false),
		},
		Cookie: CookieConfig{
			Topology: getEnv("COOKIE_TOPOLOGY", string(cookie.TopologySingleOrigin)),
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Secure:   getEnvBool("COOKIE_SECURE", getEnv("ENV", "development") == "production"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080")),
		},
		Store: StoreConfig{
			UserBackend:   getEnv("USER_BACKEND", "memory"),
			PostgresDSN:   getEnv("DATABASE_URL", ""),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
		},
		Seed: SeedConfig{
			Username:    getEnv("SEED_USERNAME", "test"),
			Password:    getEnv("SEED_PASSWORD", "test"),
			DisplayName: getEnv("SEED_DISPLAY_NAME", ""),
		},
		SSO: SSOConfig{
			Enabled:      getEnvBool("SSO_ENABLED", false),
			IssuerURL:    getEnv("SSO_ISSUER_URL", ""),
			ClientID:     getEnv("SSO_CLIENT_ID", ""),
			ClientSecret: getEnv("SSO_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("SSO_REDIRECT_URL", ""),
		},
		Web: WebConfig{
			Dir: getEnv("WEB_DIR", ""),
		},
		Shutdown: ShutdownConfig{
			ReadinessDrainDelaySeconds: getEnvInt("READINESS_DRAIN_DELAY_SECONDS", 5),
			ShutdownTimeoutSeconds:     getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10),
		},
	}
}

// Validate rejects configurations the service cannot run with. It returns the
// first problem found so the operator sees one actionable message.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Service.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Service.Port)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.Session.TTL)
	}
	if c.CSRF.TTL <= 0 {
		return fmt.Errorf("CSRF_TTL must be positive, got %s", c.CSRF.TTL)
	}
	if _, err := c.CSRF.DecodeSecret(); err != nil {
		return fmt.Errorf("CSRF_SECRET: %w", err)
	}

	switch c.Session.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("SESSION_BACKEND must be memory, redis, or postgres, got %q", c.Session.Backend)
	}
	switch c.Store.UserBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("USER_BACKEND must be memory or postgres, got %q", c.Store.UserBackend)
	}
	if (c.Session.Backend == "postgres" || c.Store.UserBackend == "postgres") && c.Store.PostgresDSN == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres backend is selected")
	}
	if c.Session.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when SESSION_BACKEND=redis")
	}

	topology, err := cookie.ParseTopology(c.Cookie.Topology)
	if err != nil {
		return fmt.Errorf("COOKIE_TOPOLOGY: %w", err)
	}
	if topology == cookie.TopologySameDomain && c.Cookie.Domain == "" {
		return fmt.Errorf("COOKIE_DOMAIN is required when COOKIE_TOPOLOGY=same-domain")
	}
	if topology == cookie.TopologyCrossOrigin && len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required when COOKIE_TOPOLOGY=cross-origin")
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS must not contain a wildcard; credentialed requests require explicit origins")
		}
	}

	if c.SSO.Enabled {
		if c.SSO.IssuerURL == "" || c.SSO.ClientID == "" || c.SSO.ClientSecret == "" || c.SSO.RedirectURL == "" {
			return fmt.Errorf("SSO_ISSUER_URL, SSO_CLIENT_ID, SSO_CLIENT_SECRET, and SSO_REDIRECT_URL are all required when SSO_ENABLED=true")
		}
	}
	if c.Web.Dir != "" {
		if info, err := os.Stat(c.Web.Dir); err != nil || !info.IsDir() {
			return fmt.Errorf("WEB_DIR %q is not a readable directory", c.Web.Dir)
		}
	}
	return nil
}

// DecodeSecret decodes the configured CSRF secret. It returns nil when no
// secret is configured, signaling the caller to generate an ephemeral one.
func (c CSRFConfig) DecodeSecret() ([]byte, error) {
	if c.Secret == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("must be hex-encoded: %w", err)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("must decode to at least 32 bytes, got %d", len(secret))
	}
	return secret, nil
}

// ResolveTopology returns the parsed cookie topology. Call Validate first;
// after a successful Validate this cannot fail and falls back to
// single-origin if it somehow does.
func (c *Config) ResolveTopology() cookie.Topology {
	topology, err := cookie.ParseTopology(c.Cookie.Topology)
	if err != nil {
		return cookie.TopologySingleOrigin
	}
	return topology
}

// GetReadinessDrainDelayDuration returns how long to keep serving after
// readiness starts failing, so load balancers can drain.
func (c *Config) GetReadinessDrainDelayDuration() time.Duration {
	return time.Duration(c.Shutdown.ReadinessDrainDelaySeconds) * time.Second
}

// GetShutdownTimeoutDuration returns the HTTP server shutdown deadline.
func (c *Config) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.Shutdown.ShutdownTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
