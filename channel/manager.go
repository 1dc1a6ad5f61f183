// Package channel wraps the transport's channel operations behind the
// signaling surface: join/leave with a memoizing registry, non-fatal chat
// sends with bounded retry, stream-channel topics, revisioned metadata with a
// local cache, and TTL lock acquisition.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/event"
	"github.com/petervdpas/signalhub/internal/util"
	"github.com/petervdpas/signalhub/transport"
)

// Event names re-emitted through the dispatcher. Payload types:
// EventMessage carries transport.Message, EventPresence carries
// transport.PresenceRecord.
const (
	EventMessage  = "message"
	EventPresence = "presence"
)

// Retry policy per §operation class: chat sends are cheap and frequent, topic
// operations are more failure-prone under load, lock acquisition contends
// cross-process.
const (
	sendAttempts = 3
	sendSpacing  = 500 * time.Millisecond

	topicAttempts  = 3
	topicBaseDelay = time.Second

	lockRetries = 3
	lockSpacing = time.Second
)

// LockInfo is the advisory local view of one acquired lock. The transport
// provider is the source of truth; this cache only exists for introspection.
type LockInfo struct {
	Channel    string        `json:"channel"`
	Name       string        `json:"name"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Manager owns channel membership and all per-channel operations. Inbound
// messages and presence updates from the transport are re-emitted through the
// event dispatcher for application consumers.
type Manager struct {
	tc  transport.Client
	reg *Registry
	bus *event.Dispatcher
	log zerolog.Logger

	metaMu sync.RWMutex
	meta   map[string]transport.MetadataEntry // channel\x00key → last known entry

	lockMu sync.Mutex
	locks  map[string]LockInfo // channel\x00name → advisory info

	// Retry knobs; fixed constants in production, shortened in tests.
	sendSpacing time.Duration
	topicBase   time.Duration
	lockSpacing time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager bound to tc and starts forwarding inbound
// message and presence events to bus immediately.
func NewManager(tc transport.Client, bus *event.Dispatcher, lg zerolog.Logger) *Manager {
	m := &Manager{
		tc:          tc,
		reg:         NewRegistry(),
		bus:         bus,
		log:         lg,
		meta:        make(map[string]transport.MetadataEntry),
		locks:       make(map[string]LockInfo),
		sendSpacing: sendSpacing,
		topicBase:   topicBaseDelay,
		lockSpacing: lockSpacing,
		done:        make(chan struct{}),
	}
	go m.forwardLoop()
	return m
}

// Registry exposes the channel registry for read-side consumers.
func (m *Manager) Registry() *Registry { return m.reg }

// JoinChannel joins a message channel. Idempotent: joining a channel that is
// already joined is a no-op.
func (m *Manager) JoinChannel(ctx context.Context, name string) error {
	return m.join(ctx, name, KindMessage)
}

// JoinStreamChannel joins a high-fanout stream channel, enabling topic
// subscribe/publish on it.
func (m *Manager) JoinStreamChannel(ctx context.Context, name string) error {
	return m.join(ctx, name, KindStream)
}

func (m *Manager) join(ctx context.Context, name string, kind Kind) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, ok := m.reg.Get(name); ok {
		return nil
	}

	var err error
	if kind == KindStream {
		err = m.tc.JoinStreamChannel(ctx, name)
	} else {
		err = m.tc.JoinChannel(ctx, name)
	}
	if err != nil {
		return &JoinError{Channel: name, Err: err}
	}

	m.reg.GetOrCreate(name, kind)
	m.log.Debug().Str("channel", name).Str("kind", string(kind)).Msg("channel joined")
	return nil
}

// LeaveChannel leaves a channel of either kind. Idempotent: leaving an
// unjoined channel is a no-op. The local record is dropped even when the
// transport leave fails, so a later join starts clean.
func (m *Manager) LeaveChannel(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	ch, ok := m.reg.Get(name)
	if !ok {
		return nil
	}
	m.reg.Remove(name)

	var err error
	if ch.Kind == KindStream {
		err = m.tc.LeaveStreamChannel(ctx, name)
	} else {
		err = m.tc.LeaveChannel(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("leave channel %q: %w", name, err)
	}
	m.log.Debug().Str("channel", name).Msg("channel left")
	return nil
}

// LeaveStreamChannel leaves a stream channel. Alias of LeaveChannel kept for
// surface symmetry with JoinStreamChannel.
func (m *Manager) LeaveStreamChannel(ctx context.Context, name string) error {
	return m.LeaveChannel(ctx, name)
}

// SendMessage serializes payload and sends it on a joined channel, retrying
// the transport send with fixed spacing. Exhaustion returns (false, nil)
// rather than an error: chat sends are non-fatal and the caller is expected
// to continue.
func (m *Manager) SendMessage(ctx context.Context, name string, payload any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	if _, ok := m.reg.Get(name); !ok {
		return false, fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return false, err
	}

	err = util.Retry(ctx, sendAttempts, m.sendSpacing, false, func() error {
		return m.tc.Send(ctx, name, data)
	})
	if err != nil {
		m.log.Warn().Str("channel", name).Err(err).Msg("send exhausted retries, dropping message")
		return false, nil
	}
	return true, nil
}

// SubscribeTopic subscribes to a named topic on a joined stream channel.
// Retries with exponential backoff: topic operations are more failure-prone
// under load than plain joins.
func (m *Manager) SubscribeTopic(ctx context.Context, name, topic string) error {
	if err := m.checkTopicArgs(name, topic); err != nil {
		return err
	}
	err := util.Retry(ctx, topicAttempts, m.topicBase, true, func() error {
		return m.tc.SubscribeTopic(ctx, name, topic)
	})
	if err != nil {
		return fmt.Errorf("subscribe topic %q on %q: %w", topic, name, err)
	}
	m.reg.AddTopic(name, topic)
	return nil
}

// UnsubscribeTopic drops a topic subscription.
func (m *Manager) UnsubscribeTopic(ctx context.Context, name, topic string) error {
	if err := m.checkTopicArgs(name, topic); err != nil {
		return err
	}
	if err := m.tc.UnsubscribeTopic(ctx, name, topic); err != nil {
		return fmt.Errorf("unsubscribe topic %q on %q: %w", topic, name, err)
	}
	m.reg.RemoveTopic(name, topic)
	return nil
}

// PublishToTopic publishes a payload to a topic with the same retry policy as
// SubscribeTopic.
func (m *Manager) PublishToTopic(ctx context.Context, name, topic string, payload any) error {
	if err := m.checkTopicArgs(name, topic); err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	err = util.Retry(ctx, topicAttempts, m.topicBase, true, func() error {
		return m.tc.PublishTopic(ctx, name, topic, data)
	})
	if err != nil {
		return fmt.Errorf("publish topic %q on %q: %w", topic, name, err)
	}
	return nil
}

func (m *Manager) checkTopicArgs(name, topic string) error {
	if err := validName(name); err != nil {
		return err
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidArgument)
	}
	ch, ok := m.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	if ch.Kind != KindStream {
		return fmt.Errorf("%w: %s is not a stream channel", ErrInvalidArgument, name)
	}
	return nil
}

// UpdatePresence publishes this client's presence state on a joined channel.
func (m *Manager) UpdatePresence(ctx context.Context, name string, state map[string]string) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, ok := m.reg.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	if err := m.tc.SetPresence(ctx, name, state); err != nil {
		return fmt.Errorf("update presence on %q: %w", name, err)
	}
	return nil
}

// GetPresence returns the transport's last delivered presence snapshot for a
// channel. Eventually consistent by nature.
func (m *Manager) GetPresence(ctx context.Context, name string) ([]transport.PresenceRecord, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	recs, err := m.tc.GetPresence(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get presence on %q: %w", name, err)
	}
	return recs, nil
}

// SetMetadata writes a revisioned key/value pair. A write with a stale
// revision fails with ErrMetadataConflict and leaves the local cache
// untouched; the caller must re-read and retry.
func (m *Manager) SetMetadata(ctx context.Context, name, key, value string, opts transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	if err := validName(name); err != nil {
		return transport.MetadataEntry{}, err
	}
	if strings.TrimSpace(key) == "" {
		return transport.MetadataEntry{}, fmt.Errorf("%w: empty metadata key", ErrInvalidArgument)
	}

	entry, err := m.tc.SetMetadata(ctx, name, key, value, opts)
	if err != nil {
		if errors.Is(err, transport.ErrRevisionConflict) {
			return transport.MetadataEntry{}, fmt.Errorf("%w: %s/%s", ErrMetadataConflict, name, key)
		}
		return transport.MetadataEntry{}, fmt.Errorf("set metadata %s/%s: %w", name, key, err)
	}

	m.cacheMetadata(entry)
	return entry, nil
}

// GetMetadata reads a metadata entry from the transport and refreshes the
// local cache.
func (m *Manager) GetMetadata(ctx context.Context, name, key string) (transport.MetadataEntry, error) {
	if err := validName(name); err != nil {
		return transport.MetadataEntry{}, err
	}
	if strings.TrimSpace(key) == "" {
		return transport.MetadataEntry{}, fmt.Errorf("%w: empty metadata key", ErrInvalidArgument)
	}
	entry, err := m.tc.GetMetadata(ctx, name, key)
	if err != nil {
		return transport.MetadataEntry{}, fmt.Errorf("get metadata %s/%s: %w", name, key, err)
	}
	m.cacheMetadata(entry)
	return entry, nil
}

// CachedMetadata returns the locally cached entry from the last successful
// read or write, without touching the network.
func (m *Manager) CachedMetadata(name, key string) (transport.MetadataEntry, bool) {
	m.metaMu.RLock()
	defer m.metaMu.RUnlock()
	e, ok := m.meta[name+"\x00"+key]
	return e, ok
}

func (m *Manager) cacheMetadata(entry transport.MetadataEntry) {
	m.metaMu.Lock()
	m.meta[entry.Channel+"\x00"+entry.Key] = entry
	m.metaMu.Unlock()
}

// AcquireLock acquires a TTL-bounded distributed lock, retrying with fixed
// spacing before giving up with ErrLockUnavailable. The TTL is the safety net
// against a crashed holder; locks should still be released explicitly.
func (m *Manager) AcquireLock(ctx context.Context, name, lock string, ttlSeconds int) error {
	if err := validName(name); err != nil {
		return err
	}
	if strings.TrimSpace(lock) == "" {
		return fmt.Errorf("%w: empty lock name", ErrInvalidArgument)
	}
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalidArgument)
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	err := util.Retry(ctx, lockRetries+1, m.lockSpacing, false, func() error {
		return m.tc.AcquireLock(ctx, name, lock, ttl)
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrLockUnavailable, name, lock, err)
	}

	m.lockMu.Lock()
	m.locks[name+"\x00"+lock] = LockInfo{
		Channel:    name,
		Name:       lock,
		AcquiredAt: time.Now(),
		TTL:        ttl,
	}
	m.lockMu.Unlock()
	return nil
}

// ReleaseLock releases a held lock. Releasing a lock this client does not
// hold returns the transport's error unchanged.
func (m *Manager) ReleaseLock(ctx context.Context, name, lock string) error {
	if err := validName(name); err != nil {
		return err
	}
	if strings.TrimSpace(lock) == "" {
		return fmt.Errorf("%w: empty lock name", ErrInvalidArgument)
	}
	m.lockMu.Lock()
	delete(m.locks, name+"\x00"+lock)
	m.lockMu.Unlock()

	if err := m.tc.ReleaseLock(ctx, name, lock); err != nil {
		return fmt.Errorf("release lock %s/%s: %w", name, lock, err)
	}
	return nil
}

// HeldLocks returns the advisory view of locks this client believes it holds.
func (m *Manager) HeldLocks() []LockInfo {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	out := make([]LockInfo, 0, len(m.locks))
	for _, li := range m.locks {
		out = append(out, li)
	}
	return out
}

// DetachAll drops all channel records and caches without calling the
// transport. Used on teardown when the connection is already gone.
func (m *Manager) DetachAll() {
	m.reg.Clear()
	m.metaMu.Lock()
	m.meta = make(map[string]transport.MetadataEntry)
	m.metaMu.Unlock()
	m.lockMu.Lock()
	m.locks = make(map[string]LockInfo)
	m.lockMu.Unlock()
}

// Close stops the event forwarding loop. The transport client itself is owned
// by the session and closed there.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

// forwardLoop re-emits transport messages and presence updates through the
// dispatcher until Close.
func (m *Manager) forwardLoop() {
	msgs := m.tc.Messages()
	pres := m.tc.PresenceEvents()
	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			m.bus.Emit(EventMessage, msg)
		case rec, ok := <-pres:
			if !ok {
				pres = nil
				continue
			}
			m.bus.Emit(EventPresence, rec)
		}
		if msgs == nil && pres == nil {
			return
		}
	}
}

// encodePayload turns a payload into wire bytes: strings and raw bytes pass
// through, everything else is JSON-marshalled.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidArgument)
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not serializable: %v", ErrInvalidArgument, err)
		}
		return b, nil
	}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidArgument)
	}
	return nil
}
