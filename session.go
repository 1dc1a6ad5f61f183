// Package signalhub is a resilient client layer over a realtime pub/sub
// transport. A Session owns one transport connection and layers channel
// membership, presence, revisioned metadata, distributed locks, reconnection
// with exponential backoff, health monitoring and media fallback on top of it.
package signalhub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/auth"
	"github.com/petervdpas/signalhub/channel"
	"github.com/petervdpas/signalhub/diag"
	"github.com/petervdpas/signalhub/event"
	"github.com/petervdpas/signalhub/resilience"
	"github.com/petervdpas/signalhub/transport"
)

// Session is the top-level handle. All methods are safe for concurrent use.
type Session struct {
	cfg    Config
	tc     transport.Client
	tokens auth.TokenProvider
	log    zerolog.Logger

	bus      *event.Dispatcher
	channels *channel.Manager
	fallback *resilience.FallbackManager
	ctrl     *resilience.Controller
	journal  *diag.Journal

	mu     sync.Mutex
	closed bool
}

// Option tweaks session construction.
type Option func(*sessionOpts)

type sessionOpts struct {
	logger *zerolog.Logger
	media  resilience.MediaController
}

// WithLogger replaces the default stderr logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(o *sessionOpts) { o.logger = &lg }
}

// WithMediaController attaches the media session the fallback chain drives.
// Without one, fallback transitions still fire events and adjust channel
// membership but touch no media.
func WithMediaController(mc resilience.MediaController) Option {
	return func(o *sessionOpts) { o.media = mc }
}

// New builds a session from a validated config, a transport backend and a
// token provider. The session does not connect until Connect is called.
func New(cfg Config, tc transport.Client, tokens auth.TokenProvider, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if tc == nil {
		return nil, errors.New("signalhub: transport is nil")
	}
	if tokens == nil {
		return nil, errors.New("signalhub: token provider is nil")
	}

	var so sessionOpts
	for _, opt := range opts {
		opt(&so)
	}
	lg := defaultLogger(cfg.LogLevel)
	if so.logger != nil {
		lg = *so.logger
	}

	s := &Session{
		cfg:    cfg,
		tc:     tc,
		tokens: tokens,
		log:    lg,
	}
	s.bus = event.New(lg)
	s.channels = channel.NewManager(tc, s.bus, lg)
	s.fallback = resilience.NewFallbackManager(resilience.FallbackConfig{
		AudioEnabled: cfg.Fallback.AudioEnabled,
		ChatEnabled:  cfg.Fallback.ChatEnabled,
		MediaChannel: cfg.Fallback.MediaChannel,
	}, so.media, s.channels, s.bus, lg)
	s.ctrl = resilience.NewController(cfg.resilienceConfig(), tc, s.fallback, s.bus, s.login, lg)

	if cfg.DiagnosticsDB != "" {
		j, err := diag.Open(cfg.DiagnosticsDB)
		if err != nil {
			return nil, fmt.Errorf("open diagnostics journal: %w", err)
		}
		s.journal = j
		s.bus.On(EventConnectionStateChange, func(payload any) {
			sc, ok := payload.(resilience.StateChange)
			if !ok {
				return
			}
			if err := j.RecordTransition(string(sc.From), string(sc.To), sc.Reason, sc.At); err != nil {
				lg.Warn().Err(err).Msg("journal write failed")
			}
		})
	}
	return s, nil
}

func defaultLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
}

// login fetches the current token and authenticates the transport. It is
// also the reconnection operation: the transport restores joined channels
// after a successful login.
func (s *Session) login(ctx context.Context) error {
	token, err := s.tokens.CurrentToken()
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
		}
		return fmt.Errorf("fetch token: %w", err)
	}
	return s.tc.Login(ctx, token, s.cfg.UserID)
}

// Connect authenticates and brings the session online. It starts the
// resilience machinery on first use; later connection drops are handled
// automatically.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.ctrl.Start()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Reconnect.ConnTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := s.login(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect logs out cleanly. Local channel state is dropped; the resilience
// controller stays alive so a later Connect resumes the session.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.channels.DetachAll()
	if err := s.tc.Logout(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close tears the session down for good. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ctrl.Destroy()
	s.channels.Close()
	err := s.tc.Close()
	if s.journal != nil {
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// --- channels ---

// JoinChannel joins a message channel. Joining twice is a no-op.
func (s *Session) JoinChannel(ctx context.Context, name string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.JoinChannel(ctx, name)
}

// LeaveChannel leaves a message channel. The local record goes away even when
// the transport call fails.
func (s *Session) LeaveChannel(ctx context.Context, name string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.LeaveChannel(ctx, name)
}

// SendMessage publishes to a joined channel, retrying transient failures.
// The bool reports delivery; exhausted retries return (false, nil) so a
// dropped message never kills the caller's loop.
func (s *Session) SendMessage(ctx context.Context, name string, payload any) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.channels.SendMessage(ctx, name, payload)
}

// JoinStreamChannel joins a stream channel for topic-scoped traffic.
func (s *Session) JoinStreamChannel(ctx context.Context, name string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.JoinStreamChannel(ctx, name)
}

// LeaveStreamChannel leaves a stream channel and its topic subscriptions.
func (s *Session) LeaveStreamChannel(ctx context.Context, name string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.LeaveStreamChannel(ctx, name)
}

// SubscribeTopic subscribes to a topic on a joined stream channel.
func (s *Session) SubscribeTopic(ctx context.Context, name, topic string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.SubscribeTopic(ctx, name, topic)
}

// UnsubscribeTopic drops a topic subscription.
func (s *Session) UnsubscribeTopic(ctx context.Context, name, topic string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.UnsubscribeTopic(ctx, name, topic)
}

// PublishToTopic publishes to a topic on a joined stream channel.
func (s *Session) PublishToTopic(ctx context.Context, name, topic string, payload any) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.PublishToTopic(ctx, name, topic, payload)
}

// Channels lists the names of currently joined channels.
func (s *Session) Channels() []string {
	return s.channels.Registry().List()
}

// --- presence / metadata / locks ---

// UpdatePresence publishes this user's presence state on a channel.
func (s *Session) UpdatePresence(ctx context.Context, name string, state map[string]string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.UpdatePresence(ctx, name, state)
}

// GetPresence lists who is present on a channel.
func (s *Session) GetPresence(ctx context.Context, name string) ([]transport.PresenceRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.channels.GetPresence(ctx, name)
}

// SetMetadata writes a metadata key, optionally compare-and-set on revision.
// A stale revision returns ErrMetadataConflict.
func (s *Session) SetMetadata(ctx context.Context, name, key, value string, opts transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	if err := s.guard(); err != nil {
		return transport.MetadataEntry{}, err
	}
	return s.channels.SetMetadata(ctx, name, key, value, opts)
}

// GetMetadata reads a metadata key with its revision.
func (s *Session) GetMetadata(ctx context.Context, name, key string) (transport.MetadataEntry, error) {
	if err := s.guard(); err != nil {
		return transport.MetadataEntry{}, err
	}
	return s.channels.GetMetadata(ctx, name, key)
}

// CachedMetadata returns the last entry this session read or wrote for the
// key, without touching the transport.
func (s *Session) CachedMetadata(name, key string) (transport.MetadataEntry, bool) {
	return s.channels.CachedMetadata(name, key)
}

// AcquireLock takes a named distributed lock with a TTL, retrying briefly
// when contended. Failure is ErrLockUnavailable.
func (s *Session) AcquireLock(ctx context.Context, name, lock string, ttlSeconds int) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.AcquireLock(ctx, name, lock, ttlSeconds)
}

// ReleaseLock releases a lock held by this session.
func (s *Session) ReleaseLock(ctx context.Context, name, lock string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.channels.ReleaseLock(ctx, name, lock)
}

// HeldLocks lists locks this session believes it holds. TTL expiry on the
// provider side is not reflected here.
func (s *Session) HeldLocks() []channel.LockInfo {
	return s.channels.HeldLocks()
}

// --- events and introspection ---

// On registers a handler for an event name and returns a subscription id.
func (s *Session) On(name string, fn event.Handler) int {
	return s.bus.On(name, fn)
}

// Once registers a handler that fires at most once.
func (s *Session) Once(name string, fn event.Handler) int {
	return s.bus.Once(name, fn)
}

// Off removes a subscription by id.
func (s *Session) Off(name string, id int) {
	s.bus.Off(name, id)
}

// State returns the current connection state.
func (s *Session) State() resilience.State {
	return s.ctrl.State()
}

// FallbackMode returns the active media fidelity level.
func (s *Session) FallbackMode() resilience.Mode {
	return s.fallback.Mode()
}

// Metrics returns a snapshot of connection metrics and recent transitions.
func (s *Session) Metrics() resilience.MetricsSnapshot {
	return s.ctrl.Metrics()
}

// ForceReconnect drops any scheduled attempt and reconnects now, resetting
// the backoff sequence.
func (s *Session) ForceReconnect() error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ctrl.ForceReconnect()
}

// NotifyNetworkOffline tells the session the host lost network. Reconnection
// attempts pause until NotifyNetworkOnline.
func (s *Session) NotifyNetworkOffline() {
	s.ctrl.NotifyNetworkOffline()
}

// NotifyNetworkOnline resumes reconnection after an offline notice.
func (s *Session) NotifyNetworkOnline() {
	s.ctrl.NotifyNetworkOnline()
}

// RecentTransitions reads the diagnostics journal, newest first. Returns nil
// when no journal is configured.
func (s *Session) RecentTransitions(limit int) ([]diag.Entry, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.Recent(limit)
}
