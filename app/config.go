package app

import (
	"fmt"
	"os"
	"time"

	"github.com/niftydash/kite-dashboard/kc"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	KiteAPIKey      string
	KiteAccessToken string
	KiteBaseURI     string
	AppMode         string
	AppPort         string
	AppHost         string
	ExcludedTools   string
	AdminSecretPath string
	ConfigPath      string
	LogLevel        string
	LogFormat       string

	Market kc.MarketConfig
}

// configFromEnv reads the process environment.
func configFromEnv() *Config {
	return &Config{
		KiteAPIKey:      os.Getenv("KITE_API_KEY"),
		KiteAccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
		KiteBaseURI:     os.Getenv("KITE_BASE_URI"),
		AppMode:         os.Getenv("APP_MODE"),
		AppPort:         os.Getenv("APP_PORT"),
		AppHost:         os.Getenv("APP_HOST"),
		ExcludedTools:   os.Getenv("EXCLUDED_TOOLS"),
		AdminSecretPath: os.Getenv("ADMIN_ENDPOINT_SECRET_PATH"),
		ConfigPath:      os.Getenv("CONFIG_PATH"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		LogFormat:       os.Getenv("LOG_FORMAT"),
	}
}

// LoadMarketConfig reads the YAML file at path over the built-in defaults,
// then applies environment overrides. An empty path keeps the defaults.
func LoadMarketConfig(path string) (kc.MarketConfig, error) {
	cfg := kc.DefaultMarketConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read market config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse market config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid market config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables that take precedence
// over the file. NTP_HOST set to an empty string disables network time.
func applyEnvOverrides(cfg *kc.MarketConfig) error {
	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		cfg.Cache.TTL = ttl
	}
	if v, ok := os.LookupEnv("NTP_HOST"); ok {
		cfg.NTPHost = v
	}
	return nil
}
