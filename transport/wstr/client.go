// Package wstr implements the transport.Client contract over a WebSocket
// connection to a hub (see the hub subpackage). Requests are correlated by
// frame id; messages and presence changes arrive as server pushes.
package wstr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/transport"
	"github.com/petervdpas/signalhub/transport/wstr/wire"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 5 * time.Second
	writeWait           = 10 * time.Second
	eventBufSize        = 64
)

// errLinkLost fails in-flight requests when the socket drops. Callers retry
// through the channel layer; Login re-dials.
var errLinkLost = errors.New("wstr: link lost")

// Options configures a hub-backed client.
type Options struct {
	// URL is the hub endpoint, e.g. "ws://127.0.0.1:8707/ws".
	URL string
	// DialTimeout bounds the WebSocket handshake. Zero means the default.
	DialTimeout time.Duration
	// PingInterval paces the probe that feeds QualityEvents.
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

type channelState struct {
	stream bool
	topics map[string]bool
}

// Client talks to one hub. Create with New, connect with Login.
type Client struct {
	opts   Options
	log    zerolog.Logger
	connID string

	mu       sync.Mutex
	ws       *websocket.Conn
	userID   string
	token    string
	loggedIn bool
	linkUp   bool
	joined   map[string]*channelState
	presence map[string]map[string]string
	pending  map[int64]chan wire.Frame

	writeMu sync.Mutex
	nextID  atomic.Int64

	conn chan transport.ConnEvent
	qual chan transport.Stats
	msgs chan transport.Message
	pres chan transport.PresenceRecord

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	pingOnce   sync.Once
}

// New builds an unconnected client.
func New(opts Options, lg zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts.withDefaults(),
		log:        lg.With().Str("transport", "ws").Logger(),
		connID:     uuid.NewString(),
		joined:     make(map[string]*channelState),
		presence:   make(map[string]map[string]string),
		pending:    make(map[int64]chan wire.Frame),
		conn:       make(chan transport.ConnEvent, eventBufSize),
		qual:       make(chan transport.Stats, eventBufSize),
		msgs:       make(chan transport.Message, eventBufSize),
		pres:       make(chan transport.PresenceRecord, eventBufSize),
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

// Login dials the hub if needed, authenticates and restores channel state.
// It doubles as the reconnect operation.
func (c *Client) Login(ctx context.Context, token, userID string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("wstr: empty token")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("wstr: empty user id")
	}

	c.mu.Lock()
	needDial := c.ws == nil || !c.linkUp
	c.mu.Unlock()

	if needDial {
		if err := c.dial(ctx); err != nil {
			return err
		}
	}

	resp, err := c.request(ctx, wire.Frame{
		Op: wire.OpLogin, Token: token, User: userID, ConnID: c.connID,
	})
	if err != nil {
		return fmt.Errorf("wstr: login: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("wstr: login rejected: %s", resp.Error)
	}

	c.mu.Lock()
	c.userID = userID
	c.token = token
	c.loggedIn = true
	c.mu.Unlock()

	if err := c.restore(ctx); err != nil {
		return err
	}
	c.emitConn(transport.Connected, "login")
	c.pingOnce.Do(func() {
		c.wg.Add(1)
		go c.pingLoop()
	})
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("wstr: dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	old := c.ws
	c.ws = ws
	c.linkUp = true
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.wg.Add(1)
	go c.readLoop(ws)
	return nil
}

// restore replays joins, topic subscriptions and presence after a re-login.
func (c *Client) restore(ctx context.Context) error {
	c.mu.Lock()
	type chanCopy struct {
		name   string
		stream bool
		topics []string
		state  map[string]string
	}
	var chans []chanCopy
	for name, st := range c.joined {
		cc := chanCopy{name: name, stream: st.stream, state: c.presence[name]}
		for topic := range st.topics {
			cc.topics = append(cc.topics, topic)
		}
		chans = append(chans, cc)
	}
	c.mu.Unlock()

	for _, cc := range chans {
		op := wire.OpJoin
		if cc.stream {
			op = wire.OpJoinStream
		}
		if err := c.call(ctx, wire.Frame{Op: op, Channel: cc.name}); err != nil {
			return fmt.Errorf("wstr: restore %s: %w", cc.name, err)
		}
		for _, topic := range cc.topics {
			if err := c.call(ctx, wire.Frame{Op: wire.OpSubTopic, Channel: cc.name, Topic: topic}); err != nil {
				return fmt.Errorf("wstr: restore %s/%s: %w", cc.name, topic, err)
			}
		}
		if cc.state != nil {
			if err := c.call(ctx, wire.Frame{Op: wire.OpPresenceSet, Channel: cc.name, State: cc.state}); err != nil {
				c.log.Warn().Err(err).Str("channel", cc.name).Msg("presence restore failed")
			}
		}
	}
	return nil
}

// request sends one frame and waits for its correlated response.
func (c *Client) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	c.mu.Lock()
	ws := c.ws
	up := c.linkUp
	if ws == nil || !up {
		c.mu.Unlock()
		return wire.Frame{}, errLinkLost
	}
	f.ID = c.nextID.Add(1)
	ch := make(chan wire.Frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Frame{}, errLinkLost
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.loopCtx.Done():
		return wire.Frame{}, transport.ErrClosed
	}
}

// call is request plus error-code mapping for ops with no payload in the
// response.
func (c *Client) call(ctx context.Context, f wire.Frame) error {
	resp, err := c.request(ctx, f)
	if err != nil {
		return err
	}
	return respErr(resp)
}

func respErr(resp wire.Frame) error {
	if resp.Error == "" {
		return nil
	}
	if err := wire.CodeToErr(resp.Error); err != nil {
		return err
	}
	return fmt.Errorf("wstr: %s failed: %s", resp.Op, resp.Error)
}

func (c *Client) requireLogin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return transport.ErrNotLoggedIn
	}
	return nil
}

// Logout signs off and drops local channel state.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.call(ctx, wire.Frame{Op: wire.OpLogout})

	c.mu.Lock()
	c.loggedIn = false
	c.joined = make(map[string]*channelState)
	c.presence = make(map[string]map[string]string)
	c.mu.Unlock()
	c.emitConn(transport.Disconnected, "logout")
	return err
}

// JoinChannel joins a message channel.
func (c *Client) JoinChannel(ctx context.Context, name string) error {
	return c.join(ctx, name, false)
}

// JoinStreamChannel joins a stream channel.
func (c *Client) JoinStreamChannel(ctx context.Context, name string) error {
	return c.join(ctx, name, true)
}

func (c *Client) join(ctx context.Context, name string, stream bool) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	op := wire.OpJoin
	if stream {
		op = wire.OpJoinStream
	}
	if err := c.call(ctx, wire.Frame{Op: op, Channel: name}); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.joined[name]; !ok {
		c.joined[name] = &channelState{stream: stream, topics: make(map[string]bool)}
	}
	c.mu.Unlock()
	return nil
}

// LeaveChannel leaves a message channel.
func (c *Client) LeaveChannel(ctx context.Context, name string) error {
	return c.leave(ctx, name, wire.OpLeave)
}

// LeaveStreamChannel leaves a stream channel and its topics.
func (c *Client) LeaveStreamChannel(ctx context.Context, name string) error {
	return c.leave(ctx, name, wire.OpLeaveStream)
}

func (c *Client) leave(ctx context.Context, name, op string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if err := c.call(ctx, wire.Frame{Op: op, Channel: name}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.joined, name)
	delete(c.presence, name)
	c.mu.Unlock()
	return nil
}

// Send publishes payload on a joined message channel.
func (c *Client) Send(ctx context.Context, channel string, payload []byte) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.call(ctx, wire.Frame{Op: wire.OpSend, Channel: channel, Payload: payload})
}

// SubscribeTopic adds a topic subscription on a joined stream channel.
func (c *Client) SubscribeTopic(ctx context.Context, channel, topic string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if err := c.call(ctx, wire.Frame{Op: wire.OpSubTopic, Channel: channel, Topic: topic}); err != nil {
		return err
	}
	c.mu.Lock()
	if st, ok := c.joined[channel]; ok {
		st.topics[topic] = true
	}
	c.mu.Unlock()
	return nil
}

// UnsubscribeTopic drops a topic subscription.
func (c *Client) UnsubscribeTopic(ctx context.Context, channel, topic string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if err := c.call(ctx, wire.Frame{Op: wire.OpUnsubTopic, Channel: channel, Topic: topic}); err != nil {
		return err
	}
	c.mu.Lock()
	if st, ok := c.joined[channel]; ok {
		delete(st.topics, topic)
	}
	c.mu.Unlock()
	return nil
}

// PublishTopic publishes payload to a topic on a joined stream channel.
func (c *Client) PublishTopic(ctx context.Context, channel, topic string, payload []byte) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.call(ctx, wire.Frame{Op: wire.OpPubTopic, Channel: channel, Topic: topic, Payload: payload})
}

// SetPresence publishes this user's presence state on a channel.
func (c *Client) SetPresence(ctx context.Context, channel string, state map[string]string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if err := c.call(ctx, wire.Frame{Op: wire.OpPresenceSet, Channel: channel, State: state}); err != nil {
		return err
	}
	c.mu.Lock()
	c.presence[channel] = state
	c.mu.Unlock()
	return nil
}

// GetPresence lists current members of a channel.
func (c *Client) GetPresence(ctx context.Context, channel string) ([]transport.PresenceRecord, error) {
	if err := c.requireLogin(); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, wire.Frame{Op: wire.OpPresenceGet, Channel: channel})
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}
	return resp.Presence, nil
}

// GetMetadata reads one revisioned key.
func (c *Client) GetMetadata(ctx context.Context, channel, key string) (transport.MetadataEntry, error) {
	if err := c.requireLogin(); err != nil {
		return transport.MetadataEntry{}, err
	}
	resp, err := c.request(ctx, wire.Frame{Op: wire.OpMetaGet, Channel: channel, Key: key})
	if err != nil {
		return transport.MetadataEntry{}, err
	}
	if err := respErr(resp); err != nil {
		return transport.MetadataEntry{}, err
	}
	if resp.Entry == nil {
		return transport.MetadataEntry{Channel: channel, Key: key}, nil
	}
	return *resp.Entry, nil
}

// SetMetadata writes one key under the hub's compare-and-set.
func (c *Client) SetMetadata(ctx context.Context, channel, key, value string, opts transport.SetMetadataOptions) (transport.MetadataEntry, error) {
	if err := c.requireLogin(); err != nil {
		return transport.MetadataEntry{}, err
	}
	resp, err := c.request(ctx, wire.Frame{
		Op: wire.OpMetaSet, Channel: channel, Key: key, Value: value,
		Revision: opts.Revision, Lock: opts.Lock,
	})
	if err != nil {
		return transport.MetadataEntry{}, err
	}
	if err := respErr(resp); err != nil {
		return transport.MetadataEntry{}, err
	}
	if resp.Entry == nil {
		return transport.MetadataEntry{}, fmt.Errorf("wstr: meta_set response missing entry")
	}
	return *resp.Entry, nil
}

// AcquireLock takes channel/name for ttl.
func (c *Client) AcquireLock(ctx context.Context, channel, name string, ttl time.Duration) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.call(ctx, wire.Frame{
		Op: wire.OpLockAcquire, Channel: channel, Lock: name, TTLMs: ttl.Milliseconds(),
	})
}

// ReleaseLock releases a lock this client holds.
func (c *Client) ReleaseLock(ctx context.Context, channel, name string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.call(ctx, wire.Frame{Op: wire.OpLockRelease, Channel: channel, Lock: name})
}

// Stats measures a protocol-level round trip.
func (c *Client) Stats(ctx context.Context) (transport.Stats, error) {
	if err := c.requireLogin(); err != nil {
		return transport.Stats{}, err
	}
	start := time.Now()
	if err := c.call(ctx, wire.Frame{Op: wire.OpPing}); err != nil {
		return transport.Stats{}, err
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

// Close tears the client down for good.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.loopCancel()
		c.mu.Lock()
		ws := c.ws
		c.loggedIn = false
		c.linkUp = false
		c.mu.Unlock()
		if ws != nil {
			err = ws.Close()
		}
		c.wg.Wait()
		close(c.conn)
		close(c.qual)
		close(c.msgs)
		close(c.pres)
	})
	return err
}

func (c *Client) emitConn(state transport.ConnState, reason string) {
	select {
	case c.conn <- transport.ConnEvent{State: state, Reason: reason, At: time.Now()}:
	default:
		c.log.Warn().Str("state", string(state)).Msg("conn event dropped")
	}
}

// readLoop pumps one socket until it fails, then flags the link as down.
func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			c.onLinkLost(ws, err)
			return
		}
		if f.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		c.dispatchPush(f)
	}
}

func (c *Client) dispatchPush(f wire.Frame) {
	switch f.Op {
	case wire.OpMessage:
		msg := transport.Message{
			Channel: f.Channel,
			Topic:   f.Topic,
			From:    f.From,
			Payload: f.Payload,
			SentAt:  f.SentAt,
		}
		select {
		case c.msgs <- msg:
		default:
			c.log.Warn().Str("channel", f.Channel).Msg("message dropped, consumer too slow")
		}
	case wire.OpPresence:
		if f.Record == nil {
			return
		}
		select {
		case c.pres <- *f.Record:
		default:
			c.log.Warn().Str("channel", f.Channel).Msg("presence event dropped")
		}
	}
}

// onLinkLost fails in-flight requests and reports the drop, unless the
// socket was already replaced by a newer dial or the client is closing.
func (c *Client) onLinkLost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.linkUp = false
	pending := c.pending
	c.pending = make(map[int64]chan wire.Frame)
	loggedIn := c.loggedIn
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	select {
	case <-c.loopCtx.Done():
		return
	default:
	}
	if loggedIn {
		c.log.Warn().Err(cause).Msg("link lost")
		c.emitConn(transport.Disconnected, "link lost")
	}
}

// pingLoop feeds QualityEvents while the link is up.
func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			ready := c.loggedIn && c.linkUp
			c.mu.Unlock()
			if !ready {
				continue
			}
			ctx, cancel := context.WithTimeout(c.loopCtx, c.opts.PingInterval)
			stats, err := c.Stats(ctx)
			cancel()
			if err != nil {
				continue
			}
			select {
			case c.qual <- stats:
			default:
			}
		}
	}
}
