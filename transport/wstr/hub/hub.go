// Package hub is the server side of the wstr transport: an in-process
// realtime provider speaking the wire protocol over WebSocket. It tracks
// channel membership, presence with TTLs, revisioned metadata and expiring
// locks, all in memory.
package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/transport"
	"github.com/petervdpas/signalhub/transport/wstr/wire"
)

const (
	defaultPresenceTTL   = 90 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// Options tunes a Hub.
type Options struct {
	// JWTSecret, when set, makes login verify tokens as HS256 JWTs. Empty
	// accepts any non-empty token.
	JWTSecret string
	// PresenceTTL bounds how long a member stays listed without a refresh.
	PresenceTTL time.Duration
	// SweepInterval paces the janitor that evicts expired presence and locks.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = defaultPresenceTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	return o
}

type presenceEntry struct {
	rec     transport.PresenceRecord
	expires time.Time
}

type lockEntry struct {
	owner   string
	expires time.Time
}

// Hub holds all provider state. Create with New, mount Handler on an HTTP
// server, Close on shutdown.
type Hub struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[*session]bool
	members  map[string]map[*session]bool
	presence map[string]map[string]presenceEntry
	meta     map[string]map[string]transport.MetadataEntry
	locks    map[string]lockEntry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a hub and starts its janitor.
func New(opts Options, lg zerolog.Logger) *Hub {
	h := &Hub{
		opts:     opts.withDefaults(),
		log:      lg.With().Str("component", "hub").Logger(),
		sessions: make(map[*session]bool),
		members:  make(map[string]map[*session]bool),
		presence: make(map[string]map[string]presenceEntry),
		meta:     make(map[string]map[string]transport.MetadataEntry),
		locks:    make(map[string]lockEntry),
		done:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the hub fronts trusted clients only; origin policy is the deployment's
	// reverse proxy's job
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades incoming connections and runs their session pumps.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.done:
			http.Error(w, "hub closed", http.StatusServiceUnavailable)
			return
		default:
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		s := newSession(h, ws)
		h.mu.Lock()
		h.sessions[s] = true
		h.mu.Unlock()
		s.run()
	})
}

// Close disconnects every session and stops the janitor.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		sessions := make([]*session, 0, len(h.sessions))
		for s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}
		h.wg.Wait()
	})
	return nil
}

// verifyToken enforces the configured auth policy.
func (h *Hub) verifyToken(token string) error {
	if token == "" {
		return fmt.Errorf("empty token")
	}
	if h.opts.JWTSecret == "" {
		return nil
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.opts.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	return nil
}

func (h *Hub) dropSession(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	channels := make([]string, 0, 4)
	for name, set := range h.members {
		if set[s] {
			delete(set, s)
			channels = append(channels, name)
		}
	}
	h.mu.Unlock()
	for _, name := range channels {
		h.retractPresence(name, s.userID(), transport.PresenceOffline)
	}
}

func (h *Hub) join(s *session, name string) {
	h.mu.Lock()
	set, ok := h.members[name]
	if !ok {
		set = make(map[*session]bool)
		h.members[name] = set
	}
	set[s] = true
	h.mu.Unlock()
	h.storePresence(name, s.userID(), nil, transport.PresenceJoined)
}

func (h *Hub) leave(s *session, name string) {
	h.mu.Lock()
	if set, ok := h.members[name]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.members, name)
		}
	}
	h.mu.Unlock()
	h.retractPresence(name, s.userID(), transport.PresenceLeft)
}

// broadcast pushes a frame to every member of a channel.
func (h *Hub) broadcast(name string, f wire.Frame) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.members[name]))
	for s := range h.members[name] {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.push(f)
	}
}

// deliverTopic pushes a topic frame to members subscribed to it.
func (h *Hub) deliverTopic(name, topic string, f wire.Frame) {
	h.mu.Lock()
	targets := make([]*session, 0)
	for s := range h.members[name] {
		if s.subscribed(name, topic) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.push(f)
	}
}

func (h *Hub) storePresence(name, user string, state map[string]string, status string) {
	rec := transport.PresenceRecord{
		Channel:   name,
		UserID:    user,
		Status:    status,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	h.mu.Lock()
	m, ok := h.presence[name]
	if !ok {
		m = make(map[string]presenceEntry)
		h.presence[name] = m
	}
	m[user] = presenceEntry{rec: rec, expires: time.Now().Add(h.opts.PresenceTTL)}
	h.mu.Unlock()
	h.broadcast(name, wire.Frame{Op: wire.OpPresence, Record: &rec})
}

func (h *Hub) retractPresence(name, user, status string) {
	rec := transport.PresenceRecord{
		Channel:   name,
		UserID:    user,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	h.mu.Lock()
	if m, ok := h.presence[name]; ok {
		delete(m, user)
		if len(m) == 0 {
			delete(h.presence, name)
		}
	}
	h.mu.Unlock()
	h.broadcast(name, wire.Frame{Op: wire.OpPresence, Record: &rec})
}

func (h *Hub) listPresence(name string) []transport.PresenceRecord {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transport.PresenceRecord
	for _, e := range h.presence[name] {
		if now.Before(e.expires) {
			out = append(out, e.rec)
		}
	}
	return out
}

func (h *Hub) getMeta(name, key string) transport.MetadataEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.meta[name][key]; ok {
		return e
	}
	return transport.MetadataEntry{Channel: name, Key: key}
}

// setMeta applies the compare-and-set write. owner guards the optional lock.
func (h *Hub) setMeta(name, key, value string, rev int64, lock, owner string) (transport.MetadataEntry, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lock != "" {
		e, ok := h.locks[lockID(name, lock)]
		if !ok || time.Now().After(e.expires) || e.owner != owner {
			return transport.MetadataEntry{}, wire.ErrCodeLockNotHeld
		}
	}
	m, ok := h.meta[name]
	if !ok {
		m = make(map[string]transport.MetadataEntry)
		h.meta[name] = m
	}
	cur := m[key].Revision
	if rev != transport.AnyRevision && rev != cur {
		return transport.MetadataEntry{}, wire.ErrCodeRevisionConflict
	}
	e := transport.MetadataEntry{Channel: name, Key: key, Value: value, Revision: cur + 1}
	m[key] = e
	return e, ""
}

func lockID(name, lock string) string { return name + "/" + lock }

func (h *Hub) acquireLock(name, lock, owner string, ttl time.Duration) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := lockID(name, lock)
	if e, ok := h.locks[id]; ok && time.Now().Before(e.expires) && e.owner != owner {
		return wire.ErrCodeLockHeld
	}
	h.locks[id] = lockEntry{owner: owner, expires: time.Now().Add(ttl)}
	return ""
}

func (h *Hub) releaseLock(name, lock, owner string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := lockID(name, lock)
	e, ok := h.locks[id]
	if !ok || time.Now().After(e.expires) || e.owner != owner {
		return wire.ErrCodeLockNotHeld
	}
	delete(h.locks, id)
	return ""
}

// sweepLoop evicts expired presence and locks.
func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, e := range h.locks {
		if now.After(e.expires) {
			delete(h.locks, id)
		}
	}
	for name, m := range h.presence {
		for user, e := range m {
			if now.After(e.expires) {
				delete(m, user)
			}
		}
		if len(m) == 0 {
			delete(h.presence, name)
		}
	}
}
