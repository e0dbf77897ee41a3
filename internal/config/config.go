// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// MinJWTSecretLength is the minimum accepted length of JWT_SECRET.
const MinJWTSecretLength = 32

// DefaultRelayAPIBase is the public Telegram Bot API endpoint.
const DefaultRelayAPIBase = "https://api.telegram.org"

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	BaseURL     string
	Environment string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL      string
	DBMaxConns       int
	DBConnectTimeout time.Duration
	DBPingTimeout    time.Duration

	// Auth
	JWTSecret      string
	AllowedOrigins []string

	// Relay backend
	RelayBotToken      string
	RelayChatID        string
	RelayAPIBase       string
	RelayTimeout       time.Duration
	RelayUploadTimeout time.Duration
}

// Production reports whether the server runs with production settings
// (secure cookies).
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// RelayConfigured reports whether both relay credentials are present.
func (c *Config) RelayConfigured() bool {
	return c.RelayBotToken != "" && c.RelayChatID != ""
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv. Every invalid field is
// reported in the returned error, not just the first one.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		ListenAddr:         e.str("LISTEN_ADDR", ":8080"),
		MetricsAddr:        e.str("METRICS_ADDR", ":9090"),
		BaseURL:            e.str("BASE_URL", ""),
		Environment:        e.str("NODE_ENV", "development"),
		LogLevel:           e.str("LOG_LEVEL", "info"),
		LogFormat:          e.str("LOG_FORMAT", "json"),
		DatabaseURL:        e.str("DATABASE_URL", ""),
		DBMaxConns:         e.int("DB_MAX_CONNS", 10),
		DBConnectTimeout:   e.duration("DB_CONNECT_TIMEOUT", 10*time.Second),
		DBPingTimeout:      e.duration("DB_PING_TIMEOUT", 5*time.Second),
		JWTSecret:          e.str("JWT_SECRET", ""),
		RelayBotToken:      e.str("RELAY_BOT_TOKEN", ""),
		RelayChatID:        e.str("RELAY_CHAT_ID", ""),
		RelayAPIBase:       strings.TrimRight(e.str("RELAY_API_BASE", DefaultRelayAPIBase), "/"),
		RelayTimeout:       e.duration("RELAY_TIMEOUT", 30*time.Second),
		RelayUploadTimeout: e.duration("RELAY_UPLOAD_TIMEOUT", 5*time.Minute),
	}

	errs := e.errs
	if cfg.DatabaseURL == "" {
		errs = multierr.Append(errs, errors.New("DATABASE_URL is required"))
	}
	switch {
	case cfg.JWTSecret == "":
		errs = multierr.Append(errs, errors.New("JWT_SECRET is required"))
	case len(cfg.JWTSecret) < MinJWTSecretLength:
		errs = multierr.Append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", MinJWTSecretLength))
	}
	if cfg.DBMaxConns < 1 {
		errs = multierr.Append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if _, err := url.ParseRequestURI(cfg.RelayAPIBase); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("RELAY_API_BASE is not a valid URL: %w", err))
	}

	origins, err := parseOrigins(e.str("ALLOWED_ORIGIN", ""), cfg.BaseURL)
	errs = multierr.Append(errs, err)
	cfg.AllowedOrigins = origins

	if errs != nil {
		return nil, fmt.Errorf("invalid configuration: %w", errs)
	}
	return cfg, nil
}

// parseOrigins builds the CSRF allow-list from ALLOWED_ORIGIN (comma
// separated) and the origin of BASE_URL.
func parseOrigins(raw, baseURL string) ([]string, error) {
	var origins []string
	var errs error
	seen := make(map[string]bool)

	add := func(field, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		o, err := Origin(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		if !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}

	for _, v := range strings.Split(raw, ",") {
		add("ALLOWED_ORIGIN", v)
	}
	add("BASE_URL", baseURL)
	return origins, errs
}

// Origin normalizes a URL to its scheme://host[:port] origin.
func Origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// env reads typed values and accumulates parse errors.
type env struct {
	get  func(string) string
	errs error
}

func (e *env) str(key, fallback string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return i
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %q is not a positive duration", key, v))
		return fallback
	}
	return d
}
