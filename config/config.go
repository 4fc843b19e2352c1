// Package config provides configuration management for the application.
// Configuration is layered: built-in defaults, then an optional YAML file
// (with ${VAR} / ${VAR:-default} expansion), then environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"omniusage/internal/cache"
	"omniusage/internal/server"
	"omniusage/internal/storage"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage storage.Config `yaml:"storage"`
	Cache   cache.Config   `yaml:"cache"`
	Pricing PricingConfig  `yaml:"pricing"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string            `yaml:"port"`
	BodySizeLimit int64             `yaml:"body_size_limit"`
	Auth          server.AuthConfig `yaml:"auth"`
}

// PricingConfig holds pricing table configuration.
type PricingConfig struct {
	// Path points at a YAML file overriding the built-in pricing and
	// tier tables. Empty uses the defaults.
	Path string `yaml:"path"`

	// DefaultTier is assigned to users whose identity carries no tier.
	DefaultTier string `yaml:"default_tier"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// buildDefaultConfig returns the configuration used when nothing else is
// provided. The result is always runnable.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: server.DefaultBodySizeLimit,
		},
		Storage: storage.DefaultConfig(),
		Cache: cache.Config{
			Type: "local",
			TTL:  cache.DefaultTTL,
		},
		Pricing: PricingConfig{
			DefaultTier: "free",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// Load reads configuration from the optional YAML file named by
// OMNIUSAGE_CONFIG (default config.yaml), then applies environment
// variable overrides.
func Load() (*Config, error) {
	cfg := buildDefaultConfig()

	path := os.Getenv("OMNIUSAGE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := expandString(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Config file is optional.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// placeholderRe matches ${VAR} and ${VAR:-default}.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString substitutes ${VAR} placeholders with environment values.
// ${VAR:-default} falls back to the default when VAR is unset or empty;
// a plain ${VAR} with no value is left untouched so the miss is visible.
func expandString(s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]

		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides layers flat environment variables over the config.
func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Auth.MasterKey, "OMNIUSAGE_MASTER_KEY")
	if err := setBool(&cfg.Server.Auth.AllowAnonymous, "ALLOW_ANONYMOUS"); err != nil {
		return err
	}
	if err := setInt64(&cfg.Server.BodySizeLimit, "BODY_SIZE_LIMIT"); err != nil {
		return err
	}

	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	if err := setInt(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS"); err != nil {
		return err
	}
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")

	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.RedisURL, "REDIS_URL")
	if err := setDuration(&cfg.Cache.TTL, "CACHE_TTL"); err != nil {
		return err
	}

	setString(&cfg.Pricing.Path, "PRICING_CONFIG")
	setString(&cfg.Pricing.DefaultTier, "DEFAULT_TIER")

	if err := setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED"); err != nil {
		return err
	}
	setString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("invalid boolean value for %s: %q", key, v)
	}
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s: %q", key, v)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s: %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s: %q", key, v)
	}
	*dst = d
	return nil
}
