package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.UseMemoryQueue)
	assert.Equal(t, 10*time.Second, cfg.ProviderSendTimeout)
	assert.Equal(t, "AE", cfg.DefaultRegion)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("USE_MEMORY_QUEUE", "false")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("PROVIDER_SEND_TIMEOUT", "3s")
	t.Setenv("EXPIRY_WINDOW_DAYS", "30")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.UseMemoryQueue)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 3*time.Second, cfg.ProviderSendTimeout)
	assert.Equal(t, 30, cfg.ExpiryWindowDays)
}

func TestLoadListValues(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://console.gulfbridge.ae, https://*.gulfbridge.ae ,")

	cfg := Load()
	assert.Equal(t, []string{"https://console.gulfbridge.ae", "https://*.gulfbridge.ae"}, cfg.CORSAllowedOrigins)
}

func TestLoadFollowUpHour(t *testing.T) {
	cfg := Load()
	assert.Equal(t, -1, cfg.FollowUpHourUTC)

	t.Setenv("FOLLOWUP_HOUR_UTC", "7")
	cfg = Load()
	assert.Equal(t, 7, cfg.FollowUpHourUTC)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("REDIS_TLS", "maybe")

	cfg := Load()
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.False(t, cfg.RedisTLS)
}
