package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"TABLE_SERVICE_PORT", "DATA_MODE", "SESSION_MODE", "RATE_LIMIT", "CORS_ORIGINS", "SESSION_TTL", "JANITOR_IDLE_AFTER"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DataMode)
	assert.Equal(t, "mongo", cfg.SessionMode)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 12*time.Hour, cfg.IdleAfter)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_MODE", "Memory")
	t.Setenv("RATE_LIMIT", "lots")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("JANITOR_INTERVAL", "90s")
	t.Setenv("SESSION_TTL", "-1h")

	cfg := Load()
	assert.Equal(t, "memory", cfg.DataMode)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 90*time.Second, cfg.JanitorEvery)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
}
