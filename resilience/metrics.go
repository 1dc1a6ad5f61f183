package resilience

import (
	"sync"
	"time"

	"github.com/petervdpas/signalhub/internal/util"
)

// historyCap bounds the state-transition history kept for diagnostics.
const historyCap = 50

// Transition is one recorded state-machine edge.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Metrics accumulates connection diagnostics for the lifetime of a session.
type Metrics struct {
	mu              sync.Mutex
	totalDrops      int64
	totalReconnects int64
	longestDowntime time.Duration
	lastDrop        time.Time
	connectedSince  time.Time
	history         *util.RingBuffer[Transition]
}

// MetricsSnapshot is the read-side view of Metrics.
type MetricsSnapshot struct {
	TotalDrops        int64        `json:"total_drops"`
	TotalReconnects   int64        `json:"total_reconnects"`
	LongestDowntimeMs int64        `json:"longest_downtime_ms"`
	CurrentUptimeMs   int64        `json:"current_uptime_ms"`
	LastDropAt        time.Time    `json:"last_drop_at"`
	History           []Transition `json:"history"`
}

// NewMetrics creates zeroed metrics with a bounded transition history.
func NewMetrics() *Metrics {
	return &Metrics{history: util.NewRingBuffer[Transition](historyCap)}
}

func (m *Metrics) recordTransition(tr Transition) {
	m.history.Push(tr)
}

func (m *Metrics) recordDrop(at time.Time) {
	m.mu.Lock()
	m.totalDrops++
	m.lastDrop = at
	m.connectedSince = time.Time{}
	m.mu.Unlock()
}

// recordConnected marks the link up. reconnected distinguishes a recovery
// (counted, downtime measured) from the first connect.
func (m *Metrics) recordConnected(at time.Time, reconnected bool) {
	m.mu.Lock()
	if reconnected {
		m.totalReconnects++
		if !m.lastDrop.IsZero() {
			if down := at.Sub(m.lastDrop); down > m.longestDowntime {
				m.longestDowntime = down
			}
		}
	}
	m.connectedSince = at
	m.mu.Unlock()
}

// Snapshot returns a copy of all counters plus the transition history,
// oldest first.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uptime time.Duration
	if !m.connectedSince.IsZero() {
		uptime = time.Since(m.connectedSince)
	}
	return MetricsSnapshot{
		TotalDrops:        m.totalDrops,
		TotalReconnects:   m.totalReconnects,
		LongestDowntimeMs: m.longestDowntime.Milliseconds(),
		CurrentUptimeMs:   uptime.Milliseconds(),
		LastDropAt:        m.lastDrop,
		History:           m.history.Snapshot(),
	}
}
