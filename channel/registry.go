package channel

import (
	"sync"
	"time"
)

// Kind distinguishes plain message channels from high-fanout stream channels.
type Kind string

const (
	KindMessage Kind = "message"
	KindStream  Kind = "stream"
)

// Channel is the local record of one joined channel.
type Channel struct {
	Name     string          `json:"name"`
	Kind     Kind            `json:"kind"`
	JoinedAt time.Time       `json:"joined_at"`
	Topics   map[string]bool `json:"topics,omitempty"` // stream channels only
}

// Registry tracks which channels are currently joined, memoized by name.
// Channels are created on first join and dropped on leave.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Get returns the channel record for name, if joined.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	return ch, ok
}

// GetOrCreate returns the existing record for name or creates one with the
// given kind. The second result reports whether a record was created.
func (r *Registry) GetOrCreate(name string, kind Kind) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch, false
	}
	ch := &Channel{
		Name:     name,
		Kind:     kind,
		JoinedAt: time.Now(),
	}
	if kind == KindStream {
		ch.Topics = make(map[string]bool)
	}
	r.channels[name] = ch
	return ch, true
}

// Remove drops the record for name, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return false
	}
	delete(r.channels, name)
	return true
}

// AddTopic records a subscribed topic on a stream channel.
func (r *Registry) AddTopic(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok && ch.Topics != nil {
		ch.Topics[topic] = true
	}
}

// RemoveTopic forgets a topic subscription.
func (r *Registry) RemoveTopic(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok && ch.Topics != nil {
		delete(ch.Topics, topic)
	}
}

// List returns a snapshot of all joined channel names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// Clear drops every record. Used on teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()
}
