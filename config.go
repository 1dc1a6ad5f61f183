package signalhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/signalhub/internal/util"
	"github.com/petervdpas/signalhub/resilience"
)

// TransportKind selects which backend a session connects through.
type TransportKind string

const (
	TransportRedis TransportKind = "redis"
	TransportWS    TransportKind = "ws"
)

// Config holds everything a session needs. Durations are whole milliseconds
// (or seconds where noted) so the config file stays plain JSON.
type Config struct {
	UserID string `json:"user_id"`

	Transport TransportConfig `json:"transport"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Health    HealthConfig    `json:"health"`
	Fallback  FallbackConfig  `json:"fallback"`

	// TokenRefreshBufferSec widens the window in which a token counts as
	// expired, so reconnects never race the expiry.
	TokenRefreshBufferSec int `json:"token_refresh_buffer_seconds"`

	// DiagnosticsDB, when set, journals every connection state transition to
	// this SQLite file. Empty disables the journal.
	DiagnosticsDB string `json:"diagnostics_db"`

	LogLevel string `json:"log_level"`
}

// TransportConfig selects and addresses the backend.
type TransportConfig struct {
	Kind TransportKind `json:"kind"`
	// RedisAddr is the host:port of the Redis provider (kind "redis").
	RedisAddr string `json:"redis_addr"`
	// WSURL is the hub websocket URL (kind "ws"), e.g. "ws://host:8707/ws".
	WSURL string `json:"ws_url"`
}

// ReconnectConfig tunes the backoff state machine.
type ReconnectConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	BaseDelayMs    int `json:"base_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
	ConnTimeoutMs  int `json:"connection_timeout_ms"`
	RecoveryWaitMs int `json:"recovery_wait_ms"`
}

// HealthConfig tunes the periodic health check. The thresholds are tuning
// defaults, not proven-optimal constants.
type HealthConfig struct {
	IntervalMs      int `json:"interval_ms"`
	UnhealthyStreak int `json:"unhealthy_streak"`

	MaxRTTMs       int `json:"max_rtt_ms"`
	MinQuality     int `json:"min_quality"`
	MinBitrateKbps int `json:"min_bitrate_kbps"`

	RecoveryMaxRTTMs   int `json:"recovery_max_rtt_ms"`
	RecoveryMinQuality int `json:"recovery_min_quality"`
}

// FallbackConfig tunes the degradation chain.
type FallbackConfig struct {
	Enabled      bool   `json:"enabled"`
	AudioEnabled bool   `json:"audio_enabled"`
	ChatEnabled  bool   `json:"chat_enabled"`
	MediaChannel string `json:"media_channel"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Kind:      TransportWS,
			RedisAddr: "127.0.0.1:6379",
			WSURL:     "ws://127.0.0.1:8707/ws",
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			BaseDelayMs:    1000,
			MaxDelayMs:     30000,
			ConnTimeoutMs:  10000,
			RecoveryWaitMs: 5000,
		},
		Health: HealthConfig{
			IntervalMs:         5000,
			UnhealthyStreak:    3,
			MaxRTTMs:           1000,
			MinQuality:         2,
			MinBitrateKbps:     100,
			RecoveryMaxRTTMs:   500,
			RecoveryMinQuality: 4,
		},
		Fallback: FallbackConfig{
			Enabled:      true,
			AudioEnabled: true,
			ChatEnabled:  true,
		},
		TokenRefreshBufferSec: 300,
		LogLevel:              "info",
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id is required")
	}
	switch c.Transport.Kind {
	case TransportRedis:
		if strings.TrimSpace(c.Transport.RedisAddr) == "" {
			return errors.New("transport.redis_addr is required for kind \"redis\"")
		}
	case TransportWS:
		if strings.TrimSpace(c.Transport.WSURL) == "" {
			return errors.New("transport.ws_url is required for kind \"ws\"")
		}
	default:
		return fmt.Errorf("transport.kind must be %q or %q", TransportRedis, TransportWS)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be > 0")
	}
	if c.Reconnect.BaseDelayMs <= 0 {
		return errors.New("reconnect.base_delay_ms must be > 0")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return errors.New("reconnect.max_delay_ms must be >= reconnect.base_delay_ms")
	}
	if c.Reconnect.ConnTimeoutMs <= 0 {
		return errors.New("reconnect.connection_timeout_ms must be > 0")
	}
	if c.Health.IntervalMs <= 0 {
		return errors.New("health.interval_ms must be > 0")
	}
	if c.Health.UnhealthyStreak <= 0 {
		return errors.New("health.unhealthy_streak must be > 0")
	}
	if c.Health.MinQuality < 0 || c.Health.MinQuality > 6 {
		return errors.New("health.min_quality must be 0..6")
	}
	if c.Health.RecoveryMinQuality < 0 || c.Health.RecoveryMinQuality > 6 {
		return errors.New("health.recovery_min_quality must be 0..6")
	}
	if c.TokenRefreshBufferSec < 0 {
		return errors.New("token_refresh_buffer_seconds must be >= 0")
	}
	return nil
}

// Load reads and validates a JSON config file. Missing fields keep their
// defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes the config as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// resilienceConfig maps the JSON-facing config onto the controller's tuning
// struct.
func (c *Config) resilienceConfig() resilience.Config {
	return resilience.Config{
		MaxReconnectAttempts: c.Reconnect.MaxAttempts,
		BaseReconnectDelay:   time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxReconnectDelay:    time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		ConnectionTimeout:    time.Duration(c.Reconnect.ConnTimeoutMs) * time.Millisecond,
		HealthCheckInterval:  time.Duration(c.Health.IntervalMs) * time.Millisecond,
		RecoveryDelay:        time.Duration(c.Reconnect.RecoveryWaitMs) * time.Millisecond,
		UnhealthyStreak:      c.Health.UnhealthyStreak,
		Unhealthy: resilience.HealthThresholds{
			MaxRTT:         time.Duration(c.Health.MaxRTTMs) * time.Millisecond,
			MinQuality:     c.Health.MinQuality,
			MinBitrateKbps: c.Health.MinBitrateKbps,
		},
		Recovery: resilience.RecoveryThresholds{
			MaxRTT:     time.Duration(c.Health.RecoveryMaxRTTMs) * time.Millisecond,
			MinQuality: c.Health.RecoveryMinQuality,
		},
		FallbackEnabled: c.Fallback.Enabled,
	}
}

// TokenRefreshBuffer returns the refresh buffer as a duration.
func (c *Config) TokenRefreshBuffer() time.Duration {
	return time.Duration(c.TokenRefreshBufferSec) * time.Second
}
