package signalhub

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalhub/auth"
	"github.com/petervdpas/signalhub/transport"
)

type memTransport struct {
	mu        sync.Mutex
	logins    []string
	loggedOut bool
	joined    map[string]bool

	conn chan transport.ConnEvent
	qual chan transport.Stats
	msgs chan transport.Message
	pres chan transport.PresenceRecord
}

func newMemTransport() *memTransport {
	return &memTransport{
		joined: make(map[string]bool),
		conn:   make(chan transport.ConnEvent, 16),
		qual:   make(chan transport.Stats, 16),
		msgs:   make(chan transport.Message, 16),
		pres:   make(chan transport.PresenceRecord, 16),
	}
}

func (m *memTransport) Login(_ context.Context, token, userID string) error {
	m.mu.Lock()
	m.logins = append(m.logins, token+"/"+userID)
	m.mu.Unlock()
	m.conn <- transport.ConnEvent{State: transport.Connected, At: time.Now()}
	return nil
}

func (m *memTransport) Logout(context.Context) error {
	m.mu.Lock()
	m.loggedOut = true
	m.mu.Unlock()
	return nil
}

func (m *memTransport) JoinChannel(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined[name] = true
	return nil
}

func (m *memTransport) LeaveChannel(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.joined, name)
	return nil
}

func (m *memTransport) Send(context.Context, string, []byte) error { return nil }

func (m *memTransport) JoinStreamChannel(ctx context.Context, name string) error {
	return m.JoinChannel(ctx, name)
}

func (m *memTransport) LeaveStreamChannel(ctx context.Context, name string) error {
	return m.LeaveChannel(ctx, name)
}

func (m *memTransport) SubscribeTopic(context.Context, string, string) error   { return nil }
func (m *memTransport) UnsubscribeTopic(context.Context, string, string) error { return nil }
func (m *memTransport) PublishTopic(context.Context, string, string, []byte) error {
	return nil
}

func (m *memTransport) GetPresence(context.Context, string) ([]transport.PresenceRecord, error) {
	return nil, nil
}
func (m *memTransport) SetPresence(context.Context, string, map[string]string) error { return nil }

func (m *memTransport) GetMetadata(context.Context, string, string) (transport.MetadataEntry, error) {
	return transport.MetadataEntry{}, nil
}

func (m *memTransport) SetMetadata(_ context.Context, channel, key, value string, _ transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	return transport.MetadataEntry{Channel: channel, Key: key, Value: value, Revision: 1}, nil
}

func (m *memTransport) AcquireLock(context.Context, string, string, time.Duration) error {
	return nil
}
func (m *memTransport) ReleaseLock(context.Context, string, string) error { return nil }

func (m *memTransport) Stats(context.Context) (transport.Stats, error) {
	return transport.Stats{RTT: 20 * time.Millisecond, UplinkQuality: 5, DownlinkQuality: 5, At: time.Now()}, nil
}

func (m *memTransport) ConnEvents() <-chan transport.ConnEvent          { return m.conn }
func (m *memTransport) QualityEvents() <-chan transport.Stats           { return m.qual }
func (m *memTransport) Messages() <-chan transport.Message              { return m.msgs }
func (m *memTransport) PresenceEvents() <-chan transport.PresenceRecord { return m.pres }
func (m *memTransport) Close() error                                    { return nil }

func (m *memTransport) loginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logins)
}

func testConfig() Config {
	cfg := Default()
	cfg.UserID = "alice"
	// keep timers out of the way in unit tests
	cfg.Health.IntervalMs = int(time.Hour / time.Millisecond)
	cfg.Reconnect.RecoveryWaitMs = int(time.Hour / time.Millisecond)
	return cfg
}

func newTestSession(t *testing.T) (*Session, *memTransport) {
	t.Helper()
	tc := newMemTransport()
	s, err := New(testConfig(), tc, auth.NewStaticProvider("tok-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, tc
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := Default() // no UserID
	_, err := New(cfg, newMemTransport(), auth.NewStaticProvider("t"))
	require.Error(t, err)

	_, err = New(testConfig(), nil, auth.NewStaticProvider("t"))
	require.Error(t, err)

	_, err = New(testConfig(), newMemTransport(), nil)
	require.Error(t, err)
}

func TestConnectLogsInWithToken(t *testing.T) {
	s, tc := newTestSession(t)

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, 1, tc.loginCount())
	assert.Equal(t, "tok-1/alice", tc.logins[0])

	// the transport's connected event drives the state machine
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectWithoutTokenFails(t *testing.T) {
	tc := newMemTransport()
	s, err := New(testConfig(), tc, auth.NewStaticProvider(""))
	require.NoError(t, err)
	defer s.Close()

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthUnavailable)
	assert.Zero(t, tc.loginCount())
}

func TestDisconnectLogsOutAndDetaches(t *testing.T) {
	s, tc := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinChannel(ctx, "room-1"))
	require.Len(t, s.Channels(), 1)

	require.NoError(t, s.Disconnect(ctx))
	tc.mu.Lock()
	assert.True(t, tc.loggedOut)
	tc.mu.Unlock()
	assert.Empty(t, s.Channels())
}

func TestClosedSessionRefusesEverything(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	ctx := context.Background()
	assert.ErrorIs(t, s.Connect(ctx), ErrSessionClosed)
	assert.ErrorIs(t, s.JoinChannel(ctx, "x"), ErrSessionClosed)
	_, err := s.SendMessage(ctx, "x", "hi")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.ForceReconnect(), ErrSessionClosed)
}

func TestInboundMessagesReachSubscribers(t *testing.T) {
	s, tc := newTestSession(t)

	got := make(chan transport.Message, 1)
	s.On(EventMessage, func(payload any) {
		if msg, ok := payload.(transport.Message); ok {
			got <- msg
		}
	})

	tc.msgs <- transport.Message{Channel: "room-1", From: "bob", Payload: []byte(`"hi"`)}

	select {
	case msg := <-got:
		assert.Equal(t, "bob", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestJournalRecordsStateChanges(t *testing.T) {
	tc := newMemTransport()
	cfg := testConfig()
	cfg.DiagnosticsDB = filepath.Join(t.TempDir(), "diag.db")

	s, err := New(cfg, tc, auth.NewStaticProvider("tok"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	// newest first: the CONNECTED arrival ends up on top
	require.Eventually(t, func() bool {
		entries, err := s.RecentTransitions(10)
		return err == nil && len(entries) > 0 && entries[0].To == string(StateConnected)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecentTransitionsWithoutJournal(t *testing.T) {
	s, _ := newTestSession(t)
	entries, err := s.RecentTransitions(5)
	require.NoError(t, err)
	assert.Nil(t, entries)
}
