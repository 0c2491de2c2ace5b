package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "estate-client"
	EnvFileName = "config.env"

	DefaultAPIURL            = "https://api.estate-manager.app/api"
	DefaultDBFileName        = "tokens.db"
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultKeepaliveInterval = 10 * time.Minute
)

// Config is the runtime configuration of estatectl, read from the
// environment after LoadEnvFile.
type Config struct {
	APIURL            string
	TokenKey          string
	DBPath            string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	Timezone          string
	HTTPTimeout       time.Duration
	KeepaliveInterval time.Duration
	Debug             bool
}

// Dir returns the XDG config directory for the app.
// Uses $XDG_CONFIG_HOME/estate-client or ~/.config/estate-client
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// EnsureDir creates the config directory if it doesn't exist.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist. Variables
// already set in the environment win.
func LoadEnvFile() {
	_ = godotenv.Load(filepath.Join(Dir(), EnvFileName))
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:        getEnv("ESTATE_API_URL", DefaultAPIURL),
		TokenKey:      os.Getenv("ESTATE_TOKEN_KEY"),
		DBPath:        getEnv("ESTATE_DB_PATH", filepath.Join(Dir(), DefaultDBFileName)),
		RedisAddr:     os.Getenv("ESTATE_REDIS_ADDR"),
		RedisPassword: os.Getenv("ESTATE_REDIS_PASSWORD"),
		Timezone:      os.Getenv("ESTATE_TIMEZONE"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("ESTATE_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getEnvDuration("ESTATE_HTTP_TIMEOUT", DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.KeepaliveInterval, err = getEnvDuration("ESTATE_KEEPALIVE_INTERVAL", DefaultKeepaliveInterval); err != nil {
		return nil, err
	}
	if raw := os.Getenv("ESTATE_DEBUG"); raw != "" {
		if cfg.Debug, err = strconv.ParseBool(raw); err != nil {
			return nil, fmt.Errorf("ESTATE_DEBUG must be a boolean: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
