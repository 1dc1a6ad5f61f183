package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalhub/event"
	"github.com/petervdpas/signalhub/transport"
)

// fakeTransport counts calls and fails operations a configured number of
// times before succeeding.
type fakeTransport struct {
	mu sync.Mutex

	joinCalls    int
	sendCalls    int
	subCalls     int
	pubCalls     int
	lockCalls    int
	releaseCalls int

	failSends int // fail this many sends before succeeding
	failSubs  int
	failLocks int // fail this many acquires before succeeding (-1 = always)

	metaRev map[string]transport.MetadataEntry

	msgCh  chan transport.Message
	presCh chan transport.PresenceRecord
	connCh chan transport.ConnEvent
	qualCh chan transport.Stats
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		metaRev: make(map[string]transport.MetadataEntry),
		msgCh:   make(chan transport.Message, 8),
		presCh:  make(chan transport.PresenceRecord, 8),
		connCh:  make(chan transport.ConnEvent, 8),
		qualCh:  make(chan transport.Stats, 8),
	}
}

func (f *fakeTransport) Login(context.Context, string, string) error { return nil }
func (f *fakeTransport) Logout(context.Context) error                { return nil }

func (f *fakeTransport) JoinChannel(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls++
	return nil
}
func (f *fakeTransport) LeaveChannel(context.Context, string) error       { return nil }
func (f *fakeTransport) JoinStreamChannel(context.Context, string) error  { return nil }
func (f *fakeTransport) LeaveStreamChannel(context.Context, string) error { return nil }

func (f *fakeTransport) Send(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failSends != 0 {
		f.failSends--
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeTransport) SubscribeTopic(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.failSubs != 0 {
		f.failSubs--
		return errors.New("subscribe failed")
	}
	return nil
}
func (f *fakeTransport) UnsubscribeTopic(context.Context, string, string) error { return nil }
func (f *fakeTransport) PublishTopic(context.Context, string, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubCalls++
	return nil
}

func (f *fakeTransport) GetPresence(context.Context, string) ([]transport.PresenceRecord, error) {
	return nil, nil
}
func (f *fakeTransport) SetPresence(context.Context, string, map[string]string) error { return nil }

func (f *fakeTransport) GetMetadata(_ context.Context, ch, key string) (transport.MetadataEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaRev[ch+"/"+key], nil
}

func (f *fakeTransport) SetMetadata(_ context.Context, ch, key, value string, opts transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.metaRev[ch+"/"+key]
	if opts.Revision != transport.AnyRevision && opts.Revision != cur.Revision {
		return transport.MetadataEntry{}, transport.ErrRevisionConflict
	}
	next := transport.MetadataEntry{Channel: ch, Key: key, Value: value, Revision: cur.Revision + 1}
	f.metaRev[ch+"/"+key] = next
	return next, nil
}

func (f *fakeTransport) AcquireLock(context.Context, string, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.failLocks != 0 {
		if f.failLocks > 0 {
			f.failLocks--
		}
		return transport.ErrLockHeld
	}
	return nil
}

func (f *fakeTransport) ReleaseLock(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakeTransport) Stats(context.Context) (transport.Stats, error) {
	return transport.Stats{}, nil
}

func (f *fakeTransport) ConnEvents() <-chan transport.ConnEvent          { return f.connCh }
func (f *fakeTransport) QualityEvents() <-chan transport.Stats           { return f.qualCh }
func (f *fakeTransport) Messages() <-chan transport.Message              { return f.msgCh }
func (f *fakeTransport) PresenceEvents() <-chan transport.PresenceRecord { return f.presCh }
func (f *fakeTransport) Close() error                                    { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *event.Dispatcher) {
	t.Helper()
	tc := newFakeTransport()
	bus := event.New(zerolog.Nop())
	m := NewManager(tc, bus, zerolog.Nop())
	m.sendSpacing = time.Millisecond
	m.topicBase = time.Millisecond
	m.lockSpacing = time.Millisecond
	t.Cleanup(m.Close)
	return m, tc, bus
}

func TestJoinChannelIdempotent(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.JoinChannel(ctx, "room:1"))
	require.NoError(t, m.JoinChannel(ctx, "room:1"))
	assert.Equal(t, 1, tc.joinCalls, "second join must be memoized")

	_, ok := m.Registry().Get("room:1")
	assert.True(t, ok)
}

func TestJoinChannelValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.JoinChannel(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLeaveChannelIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.JoinChannel(ctx, "room:1"))
	require.NoError(t, m.LeaveChannel(ctx, "room:1"))
	require.NoError(t, m.LeaveChannel(ctx, "room:1"))

	_, ok := m.Registry().Get("room:1")
	assert.False(t, ok)
}

func TestSendMessageRetriesThenSucceeds(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.JoinChannel(ctx, "chat"))

	tc.failSends = 2
	ok, err := m.SendMessage(ctx, "chat", "hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, tc.sendCalls)
}

func TestSendMessageExhaustionIsNonFatal(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.JoinChannel(ctx, "chat"))

	tc.failSends = 10 // more failures than attempts
	ok, err := m.SendMessage(ctx, "chat", "hello")
	require.NoError(t, err, "send exhaustion must not surface an error")
	assert.False(t, ok)
	assert.Equal(t, 3, tc.sendCalls)
}

func TestSendMessageRequiresJoin(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.SendMessage(context.Background(), "ghost", "x")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestSendMessageSerializesStructured(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.JoinChannel(ctx, "chat"))

	ok, err := m.SendMessage(ctx, "chat", map[string]any{"kind": "invite", "to": "bob"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, tc.sendCalls)
}

func TestTopicOpsRequireStreamChannel(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.JoinChannel(ctx, "plain"))

	err := m.SubscribeTopic(ctx, "plain", "moves")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = m.SubscribeTopic(ctx, "unjoined", "moves")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestSubscribeTopicRetries(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.JoinStreamChannel(ctx, "stream:1"))

	tc.failSubs = 2
	require.NoError(t, m.SubscribeTopic(ctx, "stream:1", "moves"))
	assert.Equal(t, 3, tc.subCalls)

	ch, _ := m.Registry().Get("stream:1")
	assert.True(t, ch.Topics["moves"])
}

func TestMetadataConflictLeavesCacheUntouched(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.SetMetadata(ctx, "stream:1", "state", "live", transport.SetMetadataOptions{Revision: transport.AnyRevision})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Revision)

	// Stale revision: the store is already at revision 1.
	_, err = m.SetMetadata(ctx, "stream:1", "state", "ended", transport.SetMetadataOptions{Revision: 0})
	require.ErrorIs(t, err, ErrMetadataConflict)

	cached, ok := m.CachedMetadata("stream:1", "state")
	require.True(t, ok)
	assert.Equal(t, "live", cached.Value, "conflicting write must not move the cache")
	assert.Equal(t, int64(1), cached.Revision)
}

func TestAcquireLockRetriesThenFails(t *testing.T) {
	m, tc, _ := newTestManager(t)
	tc.failLocks = -1

	start := time.Now()
	err := m.AcquireLock(context.Background(), "stream:1", "state", 10)
	require.ErrorIs(t, err, ErrLockUnavailable)
	assert.Equal(t, 4, tc.lockCalls, "initial try plus three retries")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireLockValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.AcquireLock(ctx, "ch", "lock", 0), ErrInvalidArgument)
	assert.ErrorIs(t, m.AcquireLock(ctx, "ch", " ", 10), ErrInvalidArgument)
	assert.ErrorIs(t, m.AcquireLock(ctx, "", "lock", 10), ErrInvalidArgument)
}

func TestAcquireReleaseLockTracksAdvisoryState(t *testing.T) {
	m, tc, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AcquireLock(ctx, "stream:1", "state", 10))
	require.Len(t, m.HeldLocks(), 1)
	assert.Equal(t, 10*time.Second, m.HeldLocks()[0].TTL)

	require.NoError(t, m.ReleaseLock(ctx, "stream:1", "state"))
	assert.Empty(t, m.HeldLocks())
	assert.Equal(t, 1, tc.releaseCalls)
}

func TestInboundMessagesReachDispatcher(t *testing.T) {
	m, tc, bus := newTestManager(t)
	_ = m

	got := make(chan transport.Message, 1)
	bus.On(EventMessage, func(p any) {
		got <- p.(transport.Message)
	})

	tc.msgCh <- transport.Message{Channel: "chat", From: "alice", Payload: []byte("hi")}

	select {
	case msg := <-got:
		assert.Equal(t, "alice", msg.From)
	case <-time.After(time.Second):
		t.Fatal("message was not forwarded to the dispatcher")
	}
}
