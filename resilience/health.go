package resilience

import (
	"time"

	"github.com/petervdpas/signalhub/transport"
)

// HealthThresholds define when a link sample counts as unhealthy. These are
// tuning defaults, not proven-optimal constants; override them in Config when
// the deployment calls for it.
type HealthThresholds struct {
	// MaxRTT marks the sample unhealthy when the round trip exceeds it.
	MaxRTT time.Duration `json:"max_rtt"`
	// MinQuality marks the sample unhealthy when either direction's quality
	// score (0-6) falls below it.
	MinQuality int `json:"min_quality"`
	// MinBitrateKbps marks the sample unhealthy when packets were lost AND
	// the video bitrate fell below it.
	MinBitrateKbps int `json:"min_bitrate_kbps"`
}

// RecoveryThresholds gate stepping back up the fallback chain. They are
// stricter than the degrade thresholds to avoid oscillation.
type RecoveryThresholds struct {
	MaxRTT     time.Duration `json:"max_rtt"`
	MinQuality int           `json:"min_quality"`
}

// DefaultHealthThresholds returns the degrade-side defaults.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MaxRTT:         time.Second,
		MinQuality:     2,
		MinBitrateKbps: 100,
	}
}

// DefaultRecoveryThresholds returns the recover-side defaults.
func DefaultRecoveryThresholds() RecoveryThresholds {
	return RecoveryThresholds{
		MaxRTT:     500 * time.Millisecond,
		MinQuality: 4,
	}
}

// Unhealthy reports whether the sample trips any degrade threshold.
func (t HealthThresholds) Unhealthy(s transport.Stats) bool {
	if s.RTT > t.MaxRTT {
		return true
	}
	if s.UplinkQuality < t.MinQuality || s.DownlinkQuality < t.MinQuality {
		return true
	}
	if s.PacketsLost > 0 && s.VideoBitrateKbps < t.MinBitrateKbps {
		return true
	}
	return false
}

// Eligible reports whether the sample is good enough to attempt recovery.
func (t RecoveryThresholds) Eligible(s transport.Stats) bool {
	return s.RTT < t.MaxRTT &&
		s.UplinkQuality >= t.MinQuality &&
		s.DownlinkQuality >= t.MinQuality
}
