package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the server settings read from the environment
type Config struct {
	// DatabaseURL is optional; without it experiments and runs are kept in memory
	DatabaseURL string
	Port        string

	// Defaults for experiments run through the shadow endpoint
	Concurrent      bool
	MaxConcurrency  int
	RaiseOnMismatch bool

	// RunHistory is the default page size when listing runs
	RunHistory int
}

// Load reads the configuration from environment variables
func Load() (*Config, error) {
	cfg := Default()
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	var err error
	if cfg.Concurrent, err = boolEnv("SHADOW_CONCURRENT", false); err != nil {
		return nil, err
	}
	if cfg.RaiseOnMismatch, err = boolEnv("SHADOW_RAISE_ON_MISMATCH", false); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("SHADOW_MAX_CONCURRENCY", 0); err != nil {
		return nil, err
	}
	if cfg.RunHistory, err = intEnv("SHADOW_RUN_HISTORY", cfg.RunHistory); err != nil {
		return nil, err
	}

	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("SHADOW_MAX_CONCURRENCY must not be negative, got %d", cfg.MaxConcurrency)
	}
	if cfg.RunHistory <= 0 {
		return nil, fmt.Errorf("SHADOW_RUN_HISTORY must be positive, got %d", cfg.RunHistory)
	}

	return cfg, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// InMemory reports whether the server runs without a database
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{Port: "8080", RunHistory: 50}
}
