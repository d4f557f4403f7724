// Package config loads and validates the process configuration.
//
// Three layers are merged, highest precedence last: built-in defaults,
// an optional YAML file, then ROOMSYNC_-prefixed environment variables
// (double underscore maps to a nested key, e.g. ROOMSYNC_STORAGE__DSN
// becomes storage.dsn). The merged tree is unmarshalled into Config and
// validated with struct tags before Load returns.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
)

// HTTP holds the public-facing listener configuration.
type HTTP struct {
	ListenAddr     string   `koanf:"listen_addr" validate:"required"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Storage selects and configures the Storage backend (spec.md §4.1).
type Storage struct {
	// Driver is "memory" or "postgres".
	Driver string `koanf:"driver" validate:"required,oneof=memory postgres"`
	DSN    string `koanf:"dsn" validate:"required_if=Driver postgres"`
}

// Persistence tunes the PersistenceWorker protocol (spec.md §4.2).
type Persistence struct {
	ChannelCapacity int `koanf:"channel_capacity" validate:"required,min=1"`
	SnapshotCadence int `koanf:"snapshot_cadence" validate:"required,min=1"`
}

// Fabric tunes the LiveRoom broadcast fabric (spec.md §4.3).
type Fabric struct {
	BroadcastBufferSize int `koanf:"broadcast_buffer_size" validate:"required,min=1"`
}

// Redis is optional; when Addr is empty the rate limiter falls back to an
// in-memory store and the readiness probe performs no Redis ping.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
}

// Auth configures JWT/JWKS admission. MockMode bypasses signature
// verification and must never be set in production.
type Auth struct {
	Domain   string `koanf:"domain" validate:"required_unless=MockMode true"`
	Audience string `koanf:"audience" validate:"required_unless=MockMode true"`
	MockMode bool   `koanf:"mock_mode"`
}

// RateLimit holds formatted ulule/limiter rates ("<limit>-<period>").
type RateLimit struct {
	APIGlobal   string `koanf:"api_global" validate:"required"`
	APIPublic   string `koanf:"api_public" validate:"required"`
	APIRooms    string `koanf:"api_rooms" validate:"required"`
	WsIP        string `koanf:"ws_ip" validate:"required"`
	WsUser      string `koanf:"ws_user" validate:"required"`
}

// Observability groups logging/tracing toggles.
type Observability struct {
	Environment string `koanf:"environment" validate:"required,oneof=development production"`
	LogLevel    string `koanf:"log_level" validate:"required"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Config is the immutable, validated configuration for the process.
type Config struct {
	HTTP          HTTP          `koanf:"http"`
	Storage       Storage       `koanf:"storage"`
	Persistence   Persistence   `koanf:"persistence"`
	Fabric        Fabric        `koanf:"fabric"`
	Redis         Redis         `koanf:"redis"`
	Auth          Auth          `koanf:"auth"`
	RateLimit     RateLimit     `koanf:"rate_limit"`
	Observability Observability `koanf:"observability"`
}

var defaults = map[string]interface{}{
	"http.listen_addr":                ":8080",
	"storage.driver":                  "memory",
	"persistence.channel_capacity":    1024,
	"persistence.snapshot_cadence":    100,
	"fabric.broadcast_buffer_size":    32,
	"rate_limit.api_global":           "1000-M",
	"rate_limit.api_public":           "100-M",
	"rate_limit.api_rooms":            "100-M",
	"rate_limit.ws_ip":                "100-M",
	"rate_limit.ws_user":              "10-M",
	"observability.environment":       "production",
	"observability.log_level":         "info",
}

// Load merges defaults, an optional YAML file at path (silently skipped
// if it does not exist), and ROOMSYNC_-prefixed environment variables,
// then validates the result. path may be empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
		}
	}

	envProvider := env.Provider("ROOMSYNC_", ".", func(s string) string {
		trimmed := strings.TrimPrefix(s, "ROOMSYNC_")
		return strings.ToLower(strings.ReplaceAll(trimmed, "__", "."))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.HTTP.AllowedOrigins == nil {
		if raw := os.Getenv("ROOMSYNC_HTTP__ALLOWED_ORIGINS"); raw != "" {
			cfg.HTTP.AllowedOrigins = strings.Split(raw, ",")
		}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// RedactedDSN returns the storage DSN with any password component masked,
// safe to include in log lines.
func (c *Config) RedactedDSN() string {
	return redactSecret(c.Storage.DSN)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
