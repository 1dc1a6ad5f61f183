package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/signalhub/transport"
	"github.com/petervdpas/signalhub/transport/wstr/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	outBufSize = 128
)

// session is one connected client.
type session struct {
	hub *Hub
	ws  *websocket.Conn
	id  string

	mu       sync.Mutex
	user     string
	connID   string
	loggedIn bool
	joined   map[string]bool
	topics   map[string]map[string]bool

	out       chan wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn) *session {
	return &session{
		hub:    h,
		ws:     ws,
		id:     uuid.NewString(),
		joined: make(map[string]bool),
		topics: make(map[string]map[string]bool),
		out:    make(chan wire.Frame, outBufSize),
		done:   make(chan struct{}),
	}
}

// run pumps the connection until it drops, then detaches from the hub.
func (s *session) run() {
	go s.writeLoop()
	s.readLoop()
	s.close()
	s.hub.dropSession(s)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *session) readLoop() {
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f wire.Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.log.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		s.push(s.handle(f))
	}
}

func (s *session) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(f); err != nil {
				s.close()
				return
			}
		case <-ping.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// push queues a frame for the write pump, dropping when the client cannot
// keep up.
func (s *session) push(f wire.Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	default:
		s.hub.log.Warn().Str("op", f.Op).Msg("slow consumer, frame dropped")
	}
}

func (s *session) userID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// lockOwner identifies this client for lock ownership. The client's connID
// survives reconnects, so a re-login keeps its locks.
func (s *session) lockOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user + "#" + s.connID
}

func (s *session) subscribed(name, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[name][topic]
}

func (s *session) isJoined(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn && s.joined[name]
}

func (s *session) isLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

func reply(f wire.Frame, code string) wire.Frame {
	resp := wire.Frame{ID: f.ID, Op: f.Op}
	if code == "" {
		resp.OK = true
	} else {
		resp.Error = code
	}
	return resp
}

// handle executes one request and returns its response frame.
func (s *session) handle(f wire.Frame) wire.Frame {
	switch f.Op {
	case wire.OpLogin:
		return s.handleLogin(f)
	case wire.OpPing:
		return reply(f, "")
	case wire.OpLogout:
		return s.handleLogout(f)
	}

	if !s.isLoggedIn() {
		return reply(f, wire.ErrCodeNotLoggedIn)
	}

	switch f.Op {
	case wire.OpJoin, wire.OpJoinStream:
		if f.Channel == "" {
			return reply(f, wire.ErrCodeBadRequest)
		}
		s.mu.Lock()
		s.joined[f.Channel] = true
		s.mu.Unlock()
		s.hub.join(s, f.Channel)
		return reply(f, "")

	case wire.OpLeave, wire.OpLeaveStream:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.mu.Lock()
		delete(s.joined, f.Channel)
		delete(s.topics, f.Channel)
		s.mu.Unlock()
		s.hub.leave(s, f.Channel)
		return reply(f, "")

	case wire.OpSend:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.hub.broadcast(f.Channel, wire.Frame{
			Op: wire.OpMessage, Channel: f.Channel,
			From: s.userID(), Payload: f.Payload, SentAt: time.Now().UTC(),
		})
		return reply(f, "")

	case wire.OpSubTopic:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.mu.Lock()
		if s.topics[f.Channel] == nil {
			s.topics[f.Channel] = make(map[string]bool)
		}
		s.topics[f.Channel][f.Topic] = true
		s.mu.Unlock()
		return reply(f, "")

	case wire.OpUnsubTopic:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.mu.Lock()
		delete(s.topics[f.Channel], f.Topic)
		s.mu.Unlock()
		return reply(f, "")

	case wire.OpPubTopic:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.hub.deliverTopic(f.Channel, f.Topic, wire.Frame{
			Op: wire.OpMessage, Channel: f.Channel, Topic: f.Topic,
			From: s.userID(), Payload: f.Payload, SentAt: time.Now().UTC(),
		})
		return reply(f, "")

	case wire.OpPresenceSet:
		if !s.isJoined(f.Channel) {
			return reply(f, wire.ErrCodeNotJoined)
		}
		s.hub.storePresence(f.Channel, s.userID(), f.State, transport.PresenceOnline)
		return reply(f, "")

	case wire.OpPresenceGet:
		resp := reply(f, "")
		resp.Presence = s.hub.listPresence(f.Channel)
		return resp

	case wire.OpMetaGet:
		entry := s.hub.getMeta(f.Channel, f.Key)
		resp := reply(f, "")
		resp.Entry = &entry
		return resp

	case wire.OpMetaSet:
		entry, code := s.hub.setMeta(f.Channel, f.Key, f.Value, f.Revision, f.Lock, s.lockOwner())
		if code != "" {
			return reply(f, code)
		}
		resp := reply(f, "")
		resp.Entry = &entry
		return resp

	case wire.OpLockAcquire:
		if f.Lock == "" || f.TTLMs <= 0 {
			return reply(f, wire.ErrCodeBadRequest)
		}
		code := s.hub.acquireLock(f.Channel, f.Lock, s.lockOwner(), time.Duration(f.TTLMs)*time.Millisecond)
		return reply(f, code)

	case wire.OpLockRelease:
		code := s.hub.releaseLock(f.Channel, f.Lock, s.lockOwner())
		return reply(f, code)
	}
	return reply(f, wire.ErrCodeBadRequest)
}

func (s *session) handleLogin(f wire.Frame) wire.Frame {
	if f.User == "" {
		return reply(f, wire.ErrCodeBadRequest)
	}
	if err := s.hub.verifyToken(f.Token); err != nil {
		return reply(f, wire.ErrCodeUnauthorized)
	}
	s.mu.Lock()
	s.user = f.User
	s.connID = f.ConnID
	if s.connID == "" {
		s.connID = s.id
	}
	s.loggedIn = true
	s.mu.Unlock()
	return reply(f, "")
}

func (s *session) handleLogout(f wire.Frame) wire.Frame {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return reply(f, "")
	}
	joined := make([]string, 0, len(s.joined))
	for name := range s.joined {
		joined = append(joined, name)
	}
	s.joined = make(map[string]bool)
	s.topics = make(map[string]map[string]bool)
	s.loggedIn = false
	s.mu.Unlock()
	for _, name := range joined {
		s.hub.leave(s, name)
	}
	return reply(f, "")
}
