// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (CERTASSIST_* and DATABASE_URL)
//  2. Config file (~/.certassist/config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors so callers can match with errors.Is().
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingHMACSecret indicates the token secret is not set.
	ErrMissingHMACSecret = errors.New("missing HMAC secret")

	// ErrInvalidHMACSecret indicates the token secret is too short.
	ErrInvalidHMACSecret = errors.New("invalid HMAC secret")

	// ErrInvalidSessionCap indicates the active-session cap is negative.
	ErrInvalidSessionCap = errors.New("invalid active session cap")
)

const (
	// DefaultActiveSessionCap is the soft quota of concurrently active
	// sessions per owner. Creation beyond the cap archives the
	// least-recently-updated active session. 0 disables the quota.
	DefaultActiveSessionCap = 50

	// MinHMACSecretLength is the minimum byte length for the bearer-token
	// signing secret.
	MinHMACSecretLength = 32
)

// Config stores application configuration.
// SECURITY: sensitive fields (PostgresPassword, HMACSecret, GeminiAPIKey)
// must never be logged.
type Config struct {
	// HTTP server
	HTTPAddr    string   `mapstructure:"http_addr"`
	TrustProxy  bool     `mapstructure:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Identity collaborator (bearer JWT)
	HMACSecret string `mapstructure:"hmac_secret"`

	// PostgreSQL
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Session subsystem
	ActiveSessionCap int `mapstructure:"active_session_cap"`

	// External AI bridge (optional; empty key disables the bridge)
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	BridgeModel  string `mapstructure:"bridge_model"`

	// Observability
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Environment  string `mapstructure:"environment"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, the optional config file, and
// environment variables, in ascending priority.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("CERTASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Missing config file is fine; defaults plus env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "127.0.0.1:8480")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "certassist")
	v.SetDefault("postgres_dbname", "certassist")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("active_session_cap", DefaultActiveSessionCap)
	v.SetDefault("bridge_model", "gemini-2.5-flash")

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// configDir returns the per-user configuration directory.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".certassist"), nil
}

// validSSLModes are the sslmode values accepted by libpq-compatible drivers.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration for the serve command.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.HMACSecret == "" {
		return fmt.Errorf("%w: set CERTASSIST_HMAC_SECRET", ErrMissingHMACSecret)
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrInvalidHMACSecret, MinHMACSecretLength, len(c.HMACSecret))
	}

	if c.ActiveSessionCap < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSessionCap, c.ActiveSessionCap)
	}

	return nil
}

// BridgeEnabled reports whether an external AI provider is configured.
func (c *Config) BridgeEnabled() bool {
	return c.GeminiAPIKey != ""
}
