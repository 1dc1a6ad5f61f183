// Package transporttest holds the behavioral contract every transport backend
// must satisfy. Backend test packages call Contract with a factory for their
// own client.
package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalhub/transport"
)

// Factory builds a fresh provider instance and returns a constructor for
// clients talking to it. Cleanup goes through t.Cleanup.
type Factory func(t *testing.T) (newClient func() transport.Client)

const waitShort = 3 * time.Second

// Contract runs the full backend test suite.
func Contract(t *testing.T, factory Factory) {
	t.Run("LoginRequired", func(t *testing.T) { testLoginRequired(t, factory) })
	t.Run("JoinSendReceive", func(t *testing.T) { testJoinSendReceive(t, factory) })
	t.Run("SendRequiresJoin", func(t *testing.T) { testSendRequiresJoin(t, factory) })
	t.Run("TopicRouting", func(t *testing.T) { testTopicRouting(t, factory) })
	t.Run("Presence", func(t *testing.T) { testPresence(t, factory) })
	t.Run("MetadataRevisions", func(t *testing.T) { testMetadataRevisions(t, factory) })
	t.Run("LockExclusive", func(t *testing.T) { testLockExclusive(t, factory) })
	t.Run("LockGuardedMetadata", func(t *testing.T) { testLockGuardedMetadata(t, factory) })
	t.Run("LogoutDropsSession", func(t *testing.T) { testLogoutDropsSession(t, factory) })
}

func login(t *testing.T, c transport.Client, user string) {
	t.Helper()
	require.NoError(t, c.Login(context.Background(), "test-token", user))
	drainConn(c)
}

// drainConn eats the connected event so later assertions see a quiet stream.
func drainConn(c transport.Client) {
	select {
	case <-c.ConnEvents():
	case <-time.After(time.Second):
	}
}

func recvMessage(t *testing.T, c transport.Client) transport.Message {
	t.Helper()
	select {
	case m := <-c.Messages():
		return m
	case <-time.After(waitShort):
		t.Fatal("no message delivered")
		return transport.Message{}
	}
}

func testLoginRequired(t *testing.T, factory Factory) {
	newClient := factory(t)
	c := newClient()
	ctx := context.Background()

	assert.ErrorIs(t, c.JoinChannel(ctx, "room"), transport.ErrNotLoggedIn)
	assert.ErrorIs(t, c.Send(ctx, "room", []byte("x")), transport.ErrNotLoggedIn)
	_, err := c.GetPresence(ctx, "room")
	assert.ErrorIs(t, err, transport.ErrNotLoggedIn)
	_, err = c.GetMetadata(ctx, "room", "k")
	assert.ErrorIs(t, err, transport.ErrNotLoggedIn)
	assert.ErrorIs(t, c.AcquireLock(ctx, "room", "l", time.Second), transport.ErrNotLoggedIn)
}

func testJoinSendReceive(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")
	require.NoError(t, a.JoinChannel(ctx, "room"))
	require.NoError(t, b.JoinChannel(ctx, "room"))

	require.NoError(t, a.Send(ctx, "room", []byte(`{"n":1}`)))

	m := recvMessage(t, b)
	assert.Equal(t, "room", m.Channel)
	assert.Equal(t, "user-a", m.From)
	assert.Empty(t, m.Topic)
	assert.JSONEq(t, `{"n":1}`, string(m.Payload))
	assert.False(t, m.SentAt.IsZero())
}

func testSendRequiresJoin(t *testing.T, factory Factory) {
	newClient := factory(t)
	a := newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	assert.ErrorIs(t, a.Send(ctx, "nowhere", []byte("x")), transport.ErrNotJoined)
	assert.ErrorIs(t, a.PublishTopic(ctx, "nowhere", "tp", []byte("x")), transport.ErrNotJoined)
	assert.ErrorIs(t, a.SubscribeTopic(ctx, "nowhere", "tp"), transport.ErrNotJoined)
	assert.ErrorIs(t, a.LeaveChannel(ctx, "nowhere"), transport.ErrNotJoined)
}

func testTopicRouting(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")
	require.NoError(t, a.JoinStreamChannel(ctx, "feed"))
	require.NoError(t, b.JoinStreamChannel(ctx, "feed"))
	require.NoError(t, b.SubscribeTopic(ctx, "feed", "alpha"))

	require.NoError(t, a.PublishTopic(ctx, "feed", "beta", []byte(`"skip"`)))
	require.NoError(t, a.PublishTopic(ctx, "feed", "alpha", []byte(`"take"`)))

	m := recvMessage(t, b)
	assert.Equal(t, "alpha", m.Topic)
	assert.JSONEq(t, `"take"`, string(m.Payload))

	require.NoError(t, b.UnsubscribeTopic(ctx, "feed", "alpha"))
	require.NoError(t, a.PublishTopic(ctx, "feed", "alpha", []byte(`"gone"`)))
	select {
	case m := <-b.Messages():
		t.Fatalf("unexpected delivery after unsubscribe: %+v", m)
	case <-time.After(300 * time.Millisecond):
	}
}

func testPresence(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")
	require.NoError(t, a.JoinChannel(ctx, "room"))
	require.NoError(t, b.JoinChannel(ctx, "room"))
	require.NoError(t, a.SetPresence(ctx, "room", map[string]string{"mood": "good"}))

	require.Eventually(t, func() bool {
		recs, err := b.GetPresence(ctx, "room")
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.UserID == "user-a" && r.State["mood"] == "good" {
				return true
			}
		}
		return false
	}, waitShort, 25*time.Millisecond)

	// b also hears the change on its presence stream
	deadline := time.After(waitShort)
	for {
		select {
		case rec := <-b.PresenceEvents():
			if rec.UserID == "user-a" && rec.Status == transport.PresenceOnline {
				return
			}
		case <-deadline:
			t.Fatal("presence event never delivered")
		}
	}
}

func testMetadataRevisions(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")

	e1, err := a.SetMetadata(ctx, "room", "topic", "launch", transport.SetMetadataOptions{Revision: transport.AnyRevision})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.Revision)

	// stale revision loses
	_, err = b.SetMetadata(ctx, "room", "topic", "stale", transport.SetMetadataOptions{Revision: 0})
	require.ErrorIs(t, err, transport.ErrRevisionConflict)

	// matching revision wins
	e2, err := b.SetMetadata(ctx, "room", "topic", "retro", transport.SetMetadataOptions{Revision: e1.Revision})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.Revision)

	got, err := a.GetMetadata(ctx, "room", "topic")
	require.NoError(t, err)
	assert.Equal(t, "retro", got.Value)
	assert.Equal(t, int64(2), got.Revision)

	// unknown keys come back at revision zero
	missing, err := a.GetMetadata(ctx, "room", "nope")
	require.NoError(t, err)
	assert.Zero(t, missing.Revision)
	assert.Empty(t, missing.Value)
}

func testLockExclusive(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")

	require.NoError(t, a.AcquireLock(ctx, "room", "editor", 30*time.Second))
	require.ErrorIs(t, b.AcquireLock(ctx, "room", "editor", 30*time.Second), transport.ErrLockHeld)

	// re-acquiring your own lock extends it
	require.NoError(t, a.AcquireLock(ctx, "room", "editor", 30*time.Second))

	require.ErrorIs(t, b.ReleaseLock(ctx, "room", "editor"), transport.ErrLockNotHeld)
	require.NoError(t, a.ReleaseLock(ctx, "room", "editor"))
	require.NoError(t, b.AcquireLock(ctx, "room", "editor", 30*time.Second))
}

func testLockGuardedMetadata(t *testing.T, factory Factory) {
	newClient := factory(t)
	a, b := newClient(), newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	login(t, b, "user-b")
	require.NoError(t, a.AcquireLock(ctx, "room", "editor", 30*time.Second))

	_, err := b.SetMetadata(ctx, "room", "doc", "theirs", transport.SetMetadataOptions{
		Revision: transport.AnyRevision, Lock: "editor",
	})
	require.ErrorIs(t, err, transport.ErrLockNotHeld)

	e, err := a.SetMetadata(ctx, "room", "doc", "mine", transport.SetMetadataOptions{
		Revision: transport.AnyRevision, Lock: "editor",
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", e.Value)
}

func testLogoutDropsSession(t *testing.T, factory Factory) {
	newClient := factory(t)
	a := newClient()
	ctx := context.Background()

	login(t, a, "user-a")
	require.NoError(t, a.JoinChannel(ctx, "room"))
	require.NoError(t, a.Logout(ctx))

	assert.ErrorIs(t, a.Send(ctx, "room", []byte("x")), transport.ErrNotLoggedIn)

	// login again starts from a clean slate
	require.NoError(t, a.Login(ctx, "test-token", "user-a"))
	assert.ErrorIs(t, a.Send(ctx, "room", []byte("x")), transport.ErrNotJoined)
}
