// Package config resolves emaserver's runtime settings from command-line
// flags, following the teacher's flag-based convention, with environment
// variables supplying defaults for container/service deployment.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the settings emaserver's serve subcommand needs.
type Config struct {
	Host         string
	Port         int
	FetchTimeout time.Duration
	CacheDir     string
}

// Default returns Config populated from EMA_HOST, EMA_PORT,
// EMA_FETCH_TIMEOUT, and EMA_CACHE_DIR, falling back to hardcoded
// defaults when a variable is unset or unparsable.
func Default() Config {
	return Config{
		Host:         envOr("EMA_HOST", "0.0.0.0"),
		Port:         envIntOr("EMA_PORT", 8080),
		FetchTimeout: envDurationOr("EMA_FETCH_TIMEOUT", 15*time.Second),
		CacheDir:     envOr("EMA_CACHE_DIR", "ema-cache"),
	}
}

// RegisterFlags binds c's fields to fs, using c's current values (from
// Default, typically) as the flags' defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "address to listen on")
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", c.FetchTimeout, "timeout for retrieving an external MEI document")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "directory for cached external MEI documents")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
