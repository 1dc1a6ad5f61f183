package resilience

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/event"
)

// Mode is the session's operating fidelity. Degradation walks the chain
// FULL → AUDIO_ONLY → CHAT_ONLY one enabled level at a time; recovery walks
// it in reverse.
type Mode string

const (
	ModeFull      Mode = "FULL"
	ModeAudioOnly Mode = "AUDIO_ONLY"
	ModeChatOnly  Mode = "CHAT_ONLY"
)

// Reason codes attached to fallback events.
type Reason string

const (
	ReasonPoorQuality           Reason = "POOR_QUALITY"
	ReasonConnectionFailed      Reason = "CONNECTION_FAILED"
	ReasonReconnectionFailure   Reason = "RECONNECTION_FAILURE"
	ReasonNetworkOffline        Reason = "NETWORK_OFFLINE"
	ReasonReconnectionExhausted Reason = "RECONNECTION_EXHAUSTED"
)

// Event names emitted by the fallback manager; payloads are FallbackEvent.
const (
	EventFallbackActivated = "fallback-activated"
	EventFallbackRecovery  = "fallback-recovery"
)

// FallbackEvent is the payload of fallback-activated and fallback-recovery.
type FallbackEvent struct {
	From   Mode   `json:"from"`
	To     Mode   `json:"to"`
	Reason Reason `json:"reason,omitempty"`
}

// MediaController is the capability the fallback manager uses to unpublish
// and republish media. The session injects whatever owns the actual tracks;
// fallback logic never touches media objects directly.
type MediaController interface {
	StopVideo(ctx context.Context) error
	StartVideo(ctx context.Context) error
	StopAudio(ctx context.Context) error
	StartAudio(ctx context.Context) error
}

// ChannelControl is the slice of the channel manager the fallback manager
// needs: leaving the media channel in chat-only mode and rejoining it on
// recovery.
type ChannelControl interface {
	JoinChannel(ctx context.Context, name string) error
	LeaveChannel(ctx context.Context, name string) error
}

// FallbackConfig wires the fallback manager.
type FallbackConfig struct {
	// AudioEnabled keeps the AUDIO_ONLY level in the chain. When false,
	// degradation steps from FULL directly to CHAT_ONLY.
	AudioEnabled bool
	// ChatEnabled keeps the CHAT_ONLY level in the chain.
	ChatEnabled bool
	// MediaChannel is the realtime media channel left on entering CHAT_ONLY
	// and rejoined on recovery. Empty disables the leave/rejoin step.
	MediaChannel string
}

// FallbackManager owns the degrade/recover chain. It is driven exclusively by
// the resilience controller.
type FallbackManager struct {
	cfg   FallbackConfig
	media MediaController // nil when no media session exists
	chans ChannelControl  // nil in media-less tests
	bus   *event.Dispatcher
	log   zerolog.Logger

	mu   sync.Mutex
	mode Mode
}

// NewFallbackManager starts in FULL mode.
func NewFallbackManager(cfg FallbackConfig, media MediaController, chans ChannelControl, bus *event.Dispatcher, lg zerolog.Logger) *FallbackManager {
	return &FallbackManager{
		cfg:   cfg,
		media: media,
		chans: chans,
		bus:   bus,
		log:   lg,
		mode:  ModeFull,
	}
}

// Mode returns the currently active fallback mode.
func (f *FallbackManager) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Degraded reports whether the session runs below FULL fidelity.
func (f *FallbackManager) Degraded() bool {
	return f.Mode() != ModeFull
}

// nextDown returns the next enabled level below m, or m when already at the
// bottom of the enabled chain.
func (f *FallbackManager) nextDown(m Mode) Mode {
	switch m {
	case ModeFull:
		if f.cfg.AudioEnabled {
			return ModeAudioOnly
		}
		if f.cfg.ChatEnabled {
			return ModeChatOnly
		}
	case ModeAudioOnly:
		if f.cfg.ChatEnabled {
			return ModeChatOnly
		}
	}
	return m
}

// Degrade steps one enabled level down the chain, unpublishing media as
// required, and emits fallback-activated. Returns the new mode and whether a
// transition happened.
func (f *FallbackManager) Degrade(ctx context.Context, reason Reason) (Mode, bool) {
	f.mu.Lock()
	from := f.mode
	to := f.nextDown(from)
	if to == from {
		f.mu.Unlock()
		return from, false
	}
	f.mode = to
	f.mu.Unlock()

	f.apply(ctx, from, to)
	f.log.Warn().Str("from", string(from)).Str("to", string(to)).Str("reason", string(reason)).Msg("fallback activated")
	f.bus.Emit(EventFallbackActivated, FallbackEvent{From: from, To: to, Reason: reason})
	return to, true
}

// ActivateChatOnly walks the chain all the way down, one level at a time,
// emitting a fallback-activated event per step. Used when reconnection is
// exhausted: text keeps working even though media is gone. Returns false when
// already in CHAT_ONLY or the level is disabled (no duplicate activation).
func (f *FallbackManager) ActivateChatOnly(ctx context.Context, reason Reason) bool {
	if !f.cfg.ChatEnabled {
		return false
	}
	stepped := false
	for {
		mode, ok := f.Degrade(ctx, reason)
		if !ok {
			return stepped
		}
		stepped = true
		if mode == ModeChatOnly {
			return true
		}
	}
}

// Recover steps one level back up the chain, republishing media, and emits
// fallback-recovery. Recovery from CHAT_ONLY is staged by design: one call
// reaches AUDIO_ONLY, and only a later call (after re-evaluation) reaches
// FULL. Returns the new mode and whether a transition happened.
func (f *FallbackManager) Recover(ctx context.Context) (Mode, bool) {
	f.mu.Lock()
	from := f.mode
	var to Mode
	switch from {
	case ModeChatOnly:
		if f.cfg.AudioEnabled {
			to = ModeAudioOnly
		} else {
			to = ModeFull
		}
	case ModeAudioOnly:
		to = ModeFull
	default:
		f.mu.Unlock()
		return from, false
	}
	f.mode = to
	f.mu.Unlock()

	f.applyRecovery(ctx, from, to)
	f.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("fallback recovery")
	f.bus.Emit(EventFallbackRecovery, FallbackEvent{From: from, To: to})
	return to, true
}

// apply performs the media/channel side effects of a downward step. Failures
// are logged, not surfaced: the mode change itself must not be blocked by a
// misbehaving media layer.
func (f *FallbackManager) apply(ctx context.Context, from, to Mode) {
	switch to {
	case ModeAudioOnly:
		if f.media != nil {
			if err := f.media.StopVideo(ctx); err != nil {
				f.log.Warn().Err(err).Msg("stop video failed")
			}
		}
	case ModeChatOnly:
		if f.media != nil {
			if from == ModeFull {
				if err := f.media.StopVideo(ctx); err != nil {
					f.log.Warn().Err(err).Msg("stop video failed")
				}
			}
			if err := f.media.StopAudio(ctx); err != nil {
				f.log.Warn().Err(err).Msg("stop audio failed")
			}
		}
		if f.chans != nil && f.cfg.MediaChannel != "" {
			if err := f.chans.LeaveChannel(ctx, f.cfg.MediaChannel); err != nil {
				f.log.Warn().Err(err).Str("channel", f.cfg.MediaChannel).Msg("leave media channel failed")
			}
		}
	}
}

func (f *FallbackManager) applyRecovery(ctx context.Context, from, to Mode) {
	if from == ModeChatOnly {
		if f.chans != nil && f.cfg.MediaChannel != "" {
			if err := f.chans.JoinChannel(ctx, f.cfg.MediaChannel); err != nil {
				f.log.Warn().Err(err).Str("channel", f.cfg.MediaChannel).Msg("rejoin media channel failed")
			}
		}
		if f.media != nil {
			if err := f.media.StartAudio(ctx); err != nil {
				f.log.Warn().Err(err).Msg("start audio failed")
			}
		}
	}
	if to == ModeFull && f.media != nil {
		if err := f.media.StartVideo(ctx); err != nil {
			f.log.Warn().Err(err).Msg("start video failed")
		}
	}
}
