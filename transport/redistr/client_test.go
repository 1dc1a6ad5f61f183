package redistr

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalhub/transport"
	"github.com/petervdpas/signalhub/transport/transporttest"
)

func newServer(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func newClientFor(t *testing.T, srv *miniredis.Miniredis) *Client {
	t.Helper()
	c := New(Options{Addr: srv.Addr(), PresenceTTL: 30 * time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestContract(t *testing.T) {
	transporttest.Contract(t, func(t *testing.T) func() transport.Client {
		srv := newServer(t)
		return func() transport.Client { return newClientFor(t, srv) }
	})
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	srv := newServer(t)
	c := newClientFor(t, srv)
	ctx := context.Background()

	require.Error(t, c.Login(ctx, "", "alice"))
	require.Error(t, c.Login(ctx, "tok", " "))
}

func TestLoginUnreachableServer(t *testing.T) {
	c := New(Options{Addr: "127.0.0.1:1"}, zerolog.Nop())
	defer c.Close()
	require.Error(t, c.Login(context.Background(), "tok", "alice"))
}

func TestPresenceExpiresWithTTL(t *testing.T) {
	srv := newServer(t)
	a := newClientFor(t, srv)
	b := newClientFor(t, srv)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, "tok", "user-a"))
	require.NoError(t, b.Login(ctx, "tok", "user-b"))
	require.NoError(t, a.JoinChannel(ctx, "room"))
	require.NoError(t, b.JoinChannel(ctx, "room"))

	recs, err := b.GetPresence(ctx, "room")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// a goes silent past its TTL
	srv.FastForward(31 * time.Second)

	recs, err = b.GetPresence(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLockExpiresWithTTL(t *testing.T) {
	srv := newServer(t)
	a := newClientFor(t, srv)
	b := newClientFor(t, srv)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, "tok", "user-a"))
	require.NoError(t, b.Login(ctx, "tok", "user-b"))

	require.NoError(t, a.AcquireLock(ctx, "room", "editor", 5*time.Second))
	require.ErrorIs(t, b.AcquireLock(ctx, "room", "editor", 5*time.Second), transport.ErrLockHeld)

	srv.FastForward(6 * time.Second)

	require.NoError(t, b.AcquireLock(ctx, "room", "editor", 5*time.Second))
	// the original holder lost it on expiry
	require.ErrorIs(t, a.ReleaseLock(ctx, "room", "editor"), transport.ErrLockNotHeld)
}

func TestMetadataLockGuardIgnoresExpiredLock(t *testing.T) {
	srv := newServer(t)
	a := newClientFor(t, srv)
	ctx := context.Background()
	require.NoError(t, a.Login(ctx, "tok", "user-a"))

	require.NoError(t, a.AcquireLock(ctx, "room", "editor", 2*time.Second))
	srv.FastForward(3 * time.Second)

	_, err := a.SetMetadata(ctx, "room", "k", "v", transport.SetMetadataOptions{
		Revision: transport.AnyRevision, Lock: "editor",
	})
	require.ErrorIs(t, err, transport.ErrLockNotHeld)
}

func TestReloginRestoresSubscriptions(t *testing.T) {
	srv := newServer(t)
	a := newClientFor(t, srv)
	b := newClientFor(t, srv)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, "tok", "user-a"))
	require.NoError(t, b.Login(ctx, "tok", "user-b"))
	require.NoError(t, a.JoinChannel(ctx, "room"))
	require.NoError(t, b.JoinChannel(ctx, "room"))

	// a second login keeps the joined set
	require.NoError(t, a.Login(ctx, "tok", "user-a"))
	require.NoError(t, b.Send(ctx, "room", []byte(`"after"`)))

	select {
	case m := <-a.Messages():
		assert.JSONEq(t, `"after"`, string(m.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("message lost across relogin")
	}
}

func TestParseKey(t *testing.T) {
	name, topic, pres := parseKey("sh:ch:room")
	assert.Equal(t, "room", name)
	assert.Empty(t, topic)
	assert.False(t, pres)

	name, topic, pres = parseKey("sh:ch:feed:t:alpha")
	assert.Equal(t, "feed", name)
	assert.Equal(t, "alpha", topic)
	assert.False(t, pres)

	name, _, pres = parseKey("sh:ch:room:presence")
	assert.Equal(t, "room", name)
	assert.True(t, pres)

	name, _, _ = parseKey("unrelated")
	assert.Empty(t, name)
}

func TestStatsProbesLink(t *testing.T) {
	srv := newServer(t)
	c := newClientFor(t, srv)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "tok", "user-a"))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.UplinkQuality, 0)
	assert.False(t, stats.At.IsZero())
}
