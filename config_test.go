package signalhub

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) error {
	t.Helper()
	return os.WriteFile(path, []byte(body), 0o644)
}

func TestDefaultConfigValidatesWithUser(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "user_id is mandatory")

	cfg.UserID = "alice"
	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"redis without addr", func(c *Config) { c.Transport.Kind = TransportRedis; c.Transport.RedisAddr = "" }},
		{"ws without url", func(c *Config) { c.Transport.WSURL = " " }},
		{"zero attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }},
		{"max below base delay", func(c *Config) { c.Reconnect.MaxDelayMs = 10 }},
		{"zero conn timeout", func(c *Config) { c.Reconnect.ConnTimeoutMs = 0 }},
		{"zero health interval", func(c *Config) { c.Health.IntervalMs = 0 }},
		{"quality out of range", func(c *Config) { c.Health.MinQuality = 7 }},
		{"negative refresh buffer", func(c *Config) { c.TokenRefreshBufferSec = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.UserID = "alice"
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalhub.json")

	cfg := Default()
	cfg.UserID = "alice"
	cfg.Transport.Kind = TransportRedis
	cfg.Reconnect.MaxAttempts = 7
	cfg.Fallback.MediaChannel = "media:main"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFieldsKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, writeFile(t, path, `{"user_id":"bob"}`))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 300, cfg.TokenRefreshBufferSec)
	assert.True(t, cfg.Fallback.Enabled)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, writeFile(t, path, `{"user_id":""}`))
	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestResilienceConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.UserID = "alice"
	cfg.Reconnect.BaseDelayMs = 250
	cfg.Health.MaxRTTMs = 900

	rc := cfg.resilienceConfig()
	assert.Equal(t, 250*time.Millisecond, rc.BaseReconnectDelay)
	assert.Equal(t, 900*time.Millisecond, rc.Unhealthy.MaxRTT)
	assert.Equal(t, 5*time.Minute, cfg.TokenRefreshBuffer())
}
