package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL   string `yaml:"database_url"`
	BindAddress   string `yaml:"bind_address"`
	PublicBaseURL string `yaml:"public_base_url"`

	RequireBearerToken bool   `yaml:"require_bearer_token"`
	BearerToken        string `yaml:"bearer_token"`

	GraphAccessToken string `yaml:"graph_access_token"`
	GCalAccessToken  string `yaml:"gcal_access_token"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`

	RenewalCron string `yaml:"renewal_cron"`
	CleanupCron string `yaml:"cleanup_cron"`
	ResyncCron  string `yaml:"resync_cron"`
}

// Load builds the config from defaults, then the optional YAML file named
// by CALSYNC_CONFIG_FILE, then environment overrides, in that order.
func Load() (Config, error) {
	cfg := Config{
		BindAddress:        "127.0.0.1:8844",
		PublicBaseURL:      "http://127.0.0.1:8844",
		RequireBearerToken: true,
		RequestTimeout:     30 * time.Second,
		LogLevel:           "info",
	}

	if path := strings.TrimSpace(os.Getenv("CALSYNC_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.DatabaseURL = getenvDefault("CALSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.BindAddress = getenvDefault("CALSYNC_BIND_ADDRESS", cfg.BindAddress)
	cfg.PublicBaseURL = getenvDefault("CALSYNC_PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.RequireBearerToken = getenvBool("CALSYNC_REQUIRE_TOKEN", cfg.RequireBearerToken)
	cfg.BearerToken = getenvDefault("CALSYNC_BEARER_TOKEN", cfg.BearerToken)
	cfg.GraphAccessToken = getenvDefault("CALSYNC_GRAPH_ACCESS_TOKEN", cfg.GraphAccessToken)
	cfg.GCalAccessToken = getenvDefault("CALSYNC_GCAL_ACCESS_TOKEN", cfg.GCalAccessToken)
	cfg.RequestTimeout = getenvDuration("CALSYNC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.LogLevel = getenvDefault("CALSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.RenewalCron = getenvDefault("CALSYNC_RENEWAL_CRON", cfg.RenewalCron)
	cfg.CleanupCron = getenvDefault("CALSYNC_CLEANUP_CRON", cfg.CleanupCron)
	cfg.ResyncCron = getenvDefault("CALSYNC_RESYNC_CRON", cfg.ResyncCron)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind address must be configured")
	}
	if c.PublicBaseURL == "" {
		return errors.New("public base URL must be configured")
	}
	if strings.HasSuffix(c.PublicBaseURL, "/") {
		return errors.New("public base URL must not end with a slash")
	}
	if c.RequireBearerToken && c.BearerToken == "" {
		return errors.New("CALSYNC_BEARER_TOKEN is required when token auth is enabled")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
