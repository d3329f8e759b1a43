package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFallsBackWithoutEnv(t *testing.T) {
	for _, key := range []string{"EMA_HOST", "EMA_PORT", "EMA_FETCH_TIMEOUT", "EMA_CACHE_DIR"} {
		t.Setenv(key, "")
	}
	cfg := Default()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "ema-cache", cfg.CacheDir)
}

func TestDefaultReadsEnv(t *testing.T) {
	t.Setenv("EMA_HOST", "127.0.0.1")
	t.Setenv("EMA_PORT", "9090")
	t.Setenv("EMA_FETCH_TIMEOUT", "5s")
	t.Setenv("EMA_CACHE_DIR", "/tmp/cache")

	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "/tmp/cache", cfg.CacheDir)
}

func TestDefaultIgnoresUnparsableEnv(t *testing.T) {
	t.Setenv("EMA_PORT", "not-a-port")
	t.Setenv("EMA_FETCH_TIMEOUT", "not-a-duration")

	cfg := Default()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
}
