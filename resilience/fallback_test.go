package resilience

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalhub/event"
)

// recordingMedia tracks which media operations ran, in order.
type recordingMedia struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingMedia) record(op string) error {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
	return nil
}

func (r *recordingMedia) StopVideo(context.Context) error  { return r.record("stop-video") }
func (r *recordingMedia) StartVideo(context.Context) error { return r.record("start-video") }
func (r *recordingMedia) StopAudio(context.Context) error  { return r.record("stop-audio") }
func (r *recordingMedia) StartAudio(context.Context) error { return r.record("start-audio") }

type recordingChannels struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (r *recordingChannels) JoinChannel(_ context.Context, name string) error {
	r.mu.Lock()
	r.joined = append(r.joined, name)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannels) LeaveChannel(_ context.Context, name string) error {
	r.mu.Lock()
	r.left = append(r.left, name)
	r.mu.Unlock()
	return nil
}

func newTestFallback(t *testing.T, cfg FallbackConfig) (*FallbackManager, *recordingMedia, *recordingChannels, *event.Dispatcher) {
	t.Helper()
	media := &recordingMedia{}
	chans := &recordingChannels{}
	bus := event.New(zerolog.Nop())
	fb := NewFallbackManager(cfg, media, chans, bus, zerolog.Nop())
	return fb, media, chans, bus
}

func fullChain() FallbackConfig {
	return FallbackConfig{AudioEnabled: true, ChatEnabled: true, MediaChannel: "media:room"}
}

func TestDegradeWalksChainOneLevelAtATime(t *testing.T) {
	fb, media, chans, bus := newTestFallback(t, fullChain())
	ctx := context.Background()

	var events []FallbackEvent
	bus.On(EventFallbackActivated, func(p any) { events = append(events, p.(FallbackEvent)) })

	mode, ok := fb.Degrade(ctx, ReasonPoorQuality)
	require.True(t, ok)
	assert.Equal(t, ModeAudioOnly, mode)
	assert.Equal(t, []string{"stop-video"}, media.ops)

	mode, ok = fb.Degrade(ctx, ReasonPoorQuality)
	require.True(t, ok)
	assert.Equal(t, ModeChatOnly, mode)
	assert.Equal(t, []string{"stop-video", "stop-audio"}, media.ops)
	assert.Equal(t, []string{"media:room"}, chans.left)

	// Bottom of the chain: no further degradation.
	_, ok = fb.Degrade(ctx, ReasonPoorQuality)
	assert.False(t, ok)

	require.Len(t, events, 2)
	assert.Equal(t, FallbackEvent{From: ModeFull, To: ModeAudioOnly, Reason: ReasonPoorQuality}, events[0])
	assert.Equal(t, FallbackEvent{From: ModeAudioOnly, To: ModeChatOnly, Reason: ReasonPoorQuality}, events[1])
}

func TestRecoveryIsStaged(t *testing.T) {
	fb, media, chans, bus := newTestFallback(t, fullChain())
	ctx := context.Background()

	var recoveries []FallbackEvent
	bus.On(EventFallbackRecovery, func(p any) { recoveries = append(recoveries, p.(FallbackEvent)) })

	fb.ActivateChatOnly(ctx, ReasonReconnectionExhausted)
	require.Equal(t, ModeChatOnly, fb.Mode())
	media.ops = nil

	// One recovery call must reach AUDIO_ONLY, never jump to FULL.
	mode, ok := fb.Recover(ctx)
	require.True(t, ok)
	assert.Equal(t, ModeAudioOnly, mode)
	assert.Equal(t, []string{"media:room"}, chans.joined)
	assert.Equal(t, []string{"start-audio"}, media.ops)

	mode, ok = fb.Recover(ctx)
	require.True(t, ok)
	assert.Equal(t, ModeFull, mode)
	assert.Equal(t, []string{"start-audio", "start-video"}, media.ops)

	// Already FULL.
	_, ok = fb.Recover(ctx)
	assert.False(t, ok)

	require.Len(t, recoveries, 2)
	assert.Equal(t, ModeAudioOnly, recoveries[0].To)
	assert.Equal(t, ModeFull, recoveries[1].To)
}

func TestActivateChatOnlyEmitsEachStepOnce(t *testing.T) {
	fb, _, _, bus := newTestFallback(t, fullChain())
	ctx := context.Background()

	chatActivations := 0
	bus.On(EventFallbackActivated, func(p any) {
		if p.(FallbackEvent).To == ModeChatOnly {
			chatActivations++
		}
	})

	require.True(t, fb.ActivateChatOnly(ctx, ReasonReconnectionExhausted))
	assert.Equal(t, ModeChatOnly, fb.Mode())

	// Second activation must be a no-op: no duplicate events.
	assert.False(t, fb.ActivateChatOnly(ctx, ReasonReconnectionExhausted))
	assert.Equal(t, 1, chatActivations)
}

func TestDegradeSkipsDisabledAudioLevel(t *testing.T) {
	fb, media, _, _ := newTestFallback(t, FallbackConfig{AudioEnabled: false, ChatEnabled: true, MediaChannel: "media:room"})
	ctx := context.Background()

	mode, ok := fb.Degrade(ctx, ReasonConnectionFailed)
	require.True(t, ok)
	assert.Equal(t, ModeChatOnly, mode, "with audio disabled the chain is FULL→CHAT_ONLY")
	assert.Equal(t, []string{"stop-video", "stop-audio"}, media.ops)
}

func TestChatDisabledBlocksChatOnly(t *testing.T) {
	fb, _, _, _ := newTestFallback(t, FallbackConfig{AudioEnabled: true, ChatEnabled: false})
	ctx := context.Background()

	mode, ok := fb.Degrade(ctx, ReasonPoorQuality)
	require.True(t, ok)
	assert.Equal(t, ModeAudioOnly, mode)

	_, ok = fb.Degrade(ctx, ReasonPoorQuality)
	assert.False(t, ok, "chat level disabled, AUDIO_ONLY is the floor")
	assert.False(t, fb.ActivateChatOnly(ctx, ReasonReconnectionExhausted))
}
