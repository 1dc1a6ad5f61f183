// Package redistr implements the transport.Client contract on Redis.
//
// Message channels map to Redis pub/sub channels, stream topics to suffixed
// pub/sub channels, presence to per-member keys with a TTL, metadata to a
// hash with a Lua compare-and-set, and locks to SET NX PX keys.
package redistr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/transport"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultPresenceTTL  = 90 * time.Second
	eventBufSize        = 64
)

// Options configures a Redis-backed client.
type Options struct {
	Addr     string
	Password string
	DB       int

	// PingInterval paces the health probe that feeds QualityEvents and
	// detects dead links. Zero means the default.
	PingInterval time.Duration
	// PresenceTTL bounds how long a member stays listed without a refresh.
	PresenceTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = defaultPresenceTTL
	}
	return o
}

// envelope is the wire form of one published message.
type envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

type channelState struct {
	stream bool
	topics map[string]bool
}

// Client talks to one Redis instance. Create with New, connect with Login.
type Client struct {
	opts Options
	log  zerolog.Logger

	rdb    *redis.Client
	connID string

	mu       sync.Mutex
	userID   string
	loggedIn bool
	joined   map[string]*channelState
	presence map[string]map[string]string
	subbed   map[string]bool

	pubsub *redis.PubSub

	conn chan transport.ConnEvent
	qual chan transport.Stats
	msgs chan transport.Message
	pres chan transport.PresenceRecord

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	linkDown bool
}

// New builds an unconnected client.
func New(opts Options, lg zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts.withDefaults(),
		log:        lg.With().Str("transport", "redis").Logger(),
		connID:     uuid.NewString(),
		joined:     make(map[string]*channelState),
		presence:   make(map[string]map[string]string),
		subbed:     make(map[string]bool),
		conn:       make(chan transport.ConnEvent, eventBufSize),
		qual:       make(chan transport.Stats, eventBufSize),
		msgs:       make(chan transport.Message, eventBufSize),
		pres:       make(chan transport.PresenceRecord, eventBufSize),
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

func msgKey(ch string) string          { return "sh:ch:" + ch }
func topicKey(ch, topic string) string { return "sh:ch:" + ch + ":t:" + topic }
func presChanKey(ch string) string     { return "sh:ch:" + ch + ":presence" }
func presKey(ch, user string) string   { return "sh:presence:" + ch + ":" + user }
func presPattern(ch string) string     { return "sh:presence:" + ch + ":*" }
func metaKey(ch string) string         { return "sh:meta:" + ch }
func lockKey(ch, name string) string   { return "sh:lock:" + ch + ":" + name }

// Login connects to Redis and binds the session to userID. Calling it again
// re-establishes the link and restores channel subscriptions and presence.
func (c *Client) Login(ctx context.Context, token, userID string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("redistr: empty token")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("redistr: empty user id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.rdb == nil
	if first {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     c.opts.Addr,
			Password: c.opts.Password,
			DB:       c.opts.DB,
		})
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redistr: ping %s: %w", c.opts.Addr, err)
	}

	c.userID = userID
	c.loggedIn = true
	c.linkDown = false

	if c.pubsub == nil {
		c.pubsub = c.rdb.Subscribe(ctx)
		c.wg.Add(2)
		go c.readLoop()
		go c.pingLoop()
	}
	if err := c.restoreLocked(ctx); err != nil {
		return err
	}

	c.emitConn(transport.Connected, "login")
	return nil
}

// restoreLocked re-subscribes everything the caller had before the link
// dropped. Caller holds c.mu.
func (c *Client) restoreLocked(ctx context.Context) error {
	var keys []string
	for name, st := range c.joined {
		keys = append(keys, msgKey(name), presChanKey(name))
		for topic := range st.topics {
			keys = append(keys, topicKey(name, topic))
		}
	}
	for _, k := range keys {
		if c.subbed[k] {
			continue
		}
		if err := c.pubsub.Subscribe(ctx, k); err != nil {
			return fmt.Errorf("redistr: resubscribe %s: %w", k, err)
		}
		c.subbed[k] = true
	}
	for name, state := range c.presence {
		if err := c.writePresenceLocked(ctx, name, state, transport.PresenceOnline); err != nil {
			c.log.Warn().Err(err).Str("channel", name).Msg("presence restore failed")
		}
	}
	return nil
}

// Logout drops presence, unsubscribes and marks the client signed out. The
// connection and event channels stay usable for a later Login.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return nil
	}
	for name := range c.joined {
		if err := c.writePresenceLocked(ctx, name, nil, transport.PresenceLeft); err != nil {
			c.log.Warn().Err(err).Str("channel", name).Msg("presence cleanup failed")
		}
		c.rdb.Del(ctx, presKey(name, c.userID))
	}
	for k := range c.subbed {
		if err := c.pubsub.Unsubscribe(ctx, k); err != nil {
			c.log.Warn().Err(err).Str("key", k).Msg("unsubscribe failed")
		}
	}
	c.subbed = make(map[string]bool)
	c.joined = make(map[string]*channelState)
	c.presence = make(map[string]map[string]string)
	c.loggedIn = false
	c.emitConn(transport.Disconnected, "logout")
	return nil
}

func (c *Client) requireLogin() (*redis.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return nil, "", transport.ErrNotLoggedIn
	}
	return c.rdb, c.userID, nil
}

// JoinChannel subscribes to a message channel and announces presence.
func (c *Client) JoinChannel(ctx context.Context, name string) error {
	return c.join(ctx, name, false)
}

// JoinStreamChannel subscribes to a stream channel. Topic traffic needs an
// explicit SubscribeTopic on top.
func (c *Client) JoinStreamChannel(ctx context.Context, name string) error {
	return c.join(ctx, name, true)
}

func (c *Client) join(ctx context.Context, name string, stream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	if _, ok := c.joined[name]; !ok {
		c.joined[name] = &channelState{stream: stream, topics: make(map[string]bool)}
	}
	for _, k := range []string{msgKey(name), presChanKey(name)} {
		if c.subbed[k] {
			continue
		}
		if err := c.pubsub.Subscribe(ctx, k); err != nil {
			delete(c.joined, name)
			return fmt.Errorf("redistr: subscribe %s: %w", name, err)
		}
		c.subbed[k] = true
	}
	return c.writePresenceLocked(ctx, name, nil, transport.PresenceJoined)
}

// LeaveChannel unsubscribes and retracts presence.
func (c *Client) LeaveChannel(ctx context.Context, name string) error {
	return c.leave(ctx, name)
}

// LeaveStreamChannel unsubscribes from the channel and all of its topics.
func (c *Client) LeaveStreamChannel(ctx context.Context, name string) error {
	return c.leave(ctx, name)
}

func (c *Client) leave(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	st, ok := c.joined[name]
	if !ok {
		return transport.ErrNotJoined
	}
	keys := []string{msgKey(name), presChanKey(name)}
	for topic := range st.topics {
		keys = append(keys, topicKey(name, topic))
	}
	for _, k := range keys {
		if !c.subbed[k] {
			continue
		}
		if err := c.pubsub.Unsubscribe(ctx, k); err != nil {
			return fmt.Errorf("redistr: unsubscribe %s: %w", name, err)
		}
		delete(c.subbed, k)
	}
	if err := c.writePresenceLocked(ctx, name, nil, transport.PresenceLeft); err != nil {
		c.log.Warn().Err(err).Str("channel", name).Msg("presence cleanup failed")
	}
	c.rdb.Del(ctx, presKey(name, c.userID))
	delete(c.joined, name)
	delete(c.presence, name)
	return nil
}

// Send publishes payload to a joined message channel.
func (c *Client) Send(ctx context.Context, channel string, payload []byte) error {
	return c.publish(ctx, channel, "", payload)
}

// PublishTopic publishes payload to a topic on a joined stream channel.
func (c *Client) PublishTopic(ctx context.Context, channel, topic string, payload []byte) error {
	return c.publish(ctx, channel, topic, payload)
}

func (c *Client) publish(ctx context.Context, channel, topic string, payload []byte) error {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return transport.ErrNotLoggedIn
	}
	if _, ok := c.joined[channel]; !ok {
		c.mu.Unlock()
		return transport.ErrNotJoined
	}
	rdb, user := c.rdb, c.userID
	c.mu.Unlock()

	env := envelope{From: user, Payload: payload, SentAt: time.Now().UTC()}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redistr: marshal envelope: %w", err)
	}
	key := msgKey(channel)
	if topic != "" {
		key = topicKey(channel, topic)
	}
	if err := rdb.Publish(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("redistr: publish: %w", err)
	}
	return nil
}

// SubscribeTopic adds a topic subscription on a joined stream channel.
func (c *Client) SubscribeTopic(ctx context.Context, channel, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	st, ok := c.joined[channel]
	if !ok {
		return transport.ErrNotJoined
	}
	k := topicKey(channel, topic)
	if !c.subbed[k] {
		if err := c.pubsub.Subscribe(ctx, k); err != nil {
			return fmt.Errorf("redistr: subscribe topic %s/%s: %w", channel, topic, err)
		}
		c.subbed[k] = true
	}
	st.topics[topic] = true
	return nil
}

// UnsubscribeTopic drops a topic subscription.
func (c *Client) UnsubscribeTopic(ctx context.Context, channel, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	st, ok := c.joined[channel]
	if !ok {
		return transport.ErrNotJoined
	}
	k := topicKey(channel, topic)
	if c.subbed[k] {
		if err := c.pubsub.Unsubscribe(ctx, k); err != nil {
			return fmt.Errorf("redistr: unsubscribe topic %s/%s: %w", channel, topic, err)
		}
		delete(c.subbed, k)
	}
	delete(st.topics, topic)
	return nil
}

// SetPresence publishes this user's presence state on a channel and refreshes
// the TTL that keeps the member listed.
func (c *Client) SetPresence(ctx context.Context, channel string, state map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	if _, ok := c.joined[channel]; !ok {
		return transport.ErrNotJoined
	}
	c.presence[channel] = state
	return c.writePresenceLocked(ctx, channel, state, transport.PresenceOnline)
}

// writePresenceLocked stores the member record under a TTL key and announces
// the change on the channel's presence stream. Caller holds c.mu.
func (c *Client) writePresenceLocked(ctx context.Context, channel string, state map[string]string, status string) error {
	rec := transport.PresenceRecord{
		Channel:   channel,
		UserID:    c.userID,
		Status:    status,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redistr: marshal presence: %w", err)
	}
	if status != transport.PresenceLeft {
		if err := c.rdb.Set(ctx, presKey(channel, c.userID), b, c.opts.PresenceTTL).Err(); err != nil {
			return fmt.Errorf("redistr: store presence: %w", err)
		}
	}
	if err := c.rdb.Publish(ctx, presChanKey(channel), b).Err(); err != nil {
		return fmt.Errorf("redistr: announce presence: %w", err)
	}
	return nil
}

// GetPresence lists members whose presence TTL has not lapsed.
func (c *Client) GetPresence(ctx context.Context, channel string) ([]transport.PresenceRecord, error) {
	rdb, _, err := c.requireLogin()
	if err != nil {
		return nil, err
	}
	var out []transport.PresenceRecord
	iter := rdb.Scan(ctx, 0, presPattern(channel), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var rec transport.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.log.Warn().Err(err).Str("key", iter.Val()).Msg("bad presence record")
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redistr: scan presence: %w", err)
	}
	return out, nil
}

// GetMetadata reads one revisioned key.
func (c *Client) GetMetadata(ctx context.Context, channel, key string) (transport.MetadataEntry, error) {
	rdb, _, err := c.requireLogin()
	if err != nil {
		return transport.MetadataEntry{}, err
	}
	vals, err := rdb.HMGet(ctx, metaKey(channel), key+":val", key+":rev").Result()
	if err != nil {
		return transport.MetadataEntry{}, fmt.Errorf("redistr: get metadata: %w", err)
	}
	entry := transport.MetadataEntry{Channel: channel, Key: key}
	if s, ok := vals[0].(string); ok {
		entry.Value = s
	}
	if s, ok := vals[1].(string); ok {
		entry.Revision, _ = strconv.ParseInt(s, 10, 64)
	}
	return entry, nil
}

// SetMetadata writes one key under the compare-and-set script. A stale
// revision returns ErrRevisionConflict; a lock guard that the caller does not
// hold returns ErrLockNotHeld.
func (c *Client) SetMetadata(ctx context.Context, channel, key, value string, opts transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	rdb, user, err := c.requireLogin()
	if err != nil {
		return transport.MetadataEntry{}, err
	}
	owner := ""
	if opts.Lock != "" {
		owner = lockOwner(user, c.connID)
	}
	res, err := setMetaScript.Run(ctx, rdb,
		[]string{metaKey(channel), lockKey(channel, opts.Lock)},
		key, value, opts.Revision, owner,
	).Int64()
	if err != nil {
		return transport.MetadataEntry{}, fmt.Errorf("redistr: set metadata: %w", err)
	}
	switch res {
	case -1:
		return transport.MetadataEntry{}, transport.ErrRevisionConflict
	case -2:
		return transport.MetadataEntry{}, transport.ErrLockNotHeld
	}
	return transport.MetadataEntry{Channel: channel, Key: key, Value: value, Revision: res}, nil
}

func lockOwner(user, connID string) string { return user + "#" + connID }

// AcquireLock takes channel/name for ttl. Holding it already extends the TTL.
func (c *Client) AcquireLock(ctx context.Context, channel, name string, ttl time.Duration) error {
	rdb, user, err := c.requireLogin()
	if err != nil {
		return err
	}
	owner := lockOwner(user, c.connID)
	ok, err := rdb.SetNX(ctx, lockKey(channel, name), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("redistr: acquire lock: %w", err)
	}
	if ok {
		return nil
	}
	cur, err := rdb.Get(ctx, lockKey(channel, name)).Result()
	if err == nil && cur == owner {
		return rdb.PExpire(ctx, lockKey(channel, name), ttl).Err()
	}
	return transport.ErrLockHeld
}

// ReleaseLock releases a lock this connection holds.
func (c *Client) ReleaseLock(ctx context.Context, channel, name string) error {
	rdb, user, err := c.requireLogin()
	if err != nil {
		return err
	}
	res, err := releaseLockScript.Run(ctx, rdb,
		[]string{lockKey(channel, name)}, lockOwner(user, c.connID),
	).Int64()
	if err != nil {
		return fmt.Errorf("redistr: release lock: %w", err)
	}
	if res == 0 {
		return transport.ErrLockNotHeld
	}
	return nil
}

// Stats probes the link with a PING and derives quality from the round trip.
func (c *Client) Stats(ctx context.Context) (transport.Stats, error) {
	rdb, _, err := c.requireLogin()
	if err != nil {
		return transport.Stats{}, err
	}
	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return transport.Stats{}, fmt.Errorf("redistr: ping: %w", err)
	}
	rtt := time.Since(start)
	q := transport.QualityFromRTT(rtt)
	return transport.Stats{
		RTT:             rtt,
		UplinkQuality:   q,
		DownlinkQuality: q,
		At:              time.Now(),
	}, nil
}

func (c *Client) ConnEvents() <-chan transport.ConnEvent          { return c.conn }
func (c *Client) QualityEvents() <-chan transport.Stats           { return c.qual }
func (c *Client) Messages() <-chan transport.Message              { return c.msgs }
func (c *Client) PresenceEvents() <-chan transport.PresenceRecord { return c.pres }

// Close shuts the client down. Event channels are closed after the internal
// loops drain.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.loopCancel()
		c.mu.Lock()
		if c.pubsub != nil {
			err = c.pubsub.Close()
		}
		rdb := c.rdb
		c.loggedIn = false
		c.mu.Unlock()

		c.wg.Wait()
		if rdb != nil {
			if cerr := rdb.Close(); err == nil {
				err = cerr
			}
		}
		close(c.conn)
		close(c.qual)
		close(c.msgs)
		close(c.pres)
	})
	return err
}

// emitConn pushes a connection event without ever blocking the caller.
func (c *Client) emitConn(state transport.ConnState, reason string) {
	select {
	case c.conn <- transport.ConnEvent{State: state, Reason: reason, At: time.Now()}:
	default:
		c.log.Warn().Str("state", string(state)).Msg("conn event dropped")
	}
}

// readLoop turns pub/sub traffic into Messages and PresenceEvents.
func (c *Client) readLoop() {
	defer c.wg.Done()
	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(m)
		}
	}
}

func (c *Client) dispatch(m *redis.Message) {
	name, topic, presence := parseKey(m.Channel)
	if name == "" {
		return
	}
	if presence {
		var rec transport.PresenceRecord
		if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
			c.log.Warn().Err(err).Msg("bad presence event")
			return
		}
		select {
		case c.pres <- rec:
		default:
			c.log.Warn().Str("channel", name).Msg("presence event dropped")
		}
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		c.log.Warn().Err(err).Msg("bad message envelope")
		return
	}
	msg := transport.Message{
		Channel: name,
		Topic:   topic,
		From:    env.From,
		Payload: env.Payload,
		SentAt:  env.SentAt,
	}
	select {
	case c.msgs <- msg:
	default:
		c.log.Warn().Str("channel", name).Msg("message dropped, consumer too slow")
	}
}

// parseKey splits a pub/sub key back into channel name, topic and whether it
// is the presence stream.
func parseKey(key string) (name, topic string, presence bool) {
	rest, ok := strings.CutPrefix(key, "sh:ch:")
	if !ok {
		return "", "", false
	}
	if n, ok := strings.CutSuffix(rest, ":presence"); ok && !strings.Contains(n, ":t:") {
		return n, "", true
	}
	if i := strings.Index(rest, ":t:"); i >= 0 {
		return rest[:i], rest[i+3:], false
	}
	return rest, "", false
}

// pingLoop feeds QualityEvents and flags a dead link.
func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-t.C:
			c.pingOnce()
		}
	}
}

func (c *Client) pingOnce() {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return
	}

	ctx, cancel := context.WithTimeout(c.loopCtx, c.opts.PingInterval)
	stats, err := c.Stats(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !c.linkDown {
			c.linkDown = true
			c.emitConn(transport.Disconnected, "ping failed")
		}
		return
	}
	c.linkDown = false
	select {
	case c.qual <- stats:
	default:
	}
}
