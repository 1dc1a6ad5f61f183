// Package resilience owns the connection state machine: degradation
// detection, exponential-backoff reconnection, the periodic health loop, and
// the fallback chain that trades media fidelity for a usable session.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/signalhub/event"
	"github.com/petervdpas/signalhub/transport"
)

// State is the session-wide connection state. Exactly one instance exists per
// session; transitions drive all other components.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitialized   State = "INITIALIZED"
	StateConnected     State = "CONNECTED"
	StateReconnecting  State = "RECONNECTING"
	StateDisconnected  State = "DISCONNECTED"
	StateFailed        State = "FAILED"
	StateDestroyed     State = "DESTROYED"
)

// Event names emitted by the controller. Payload types: StateChange,
// HealthCheck, ReconnectionScheduled, ReconnectionFailed,
// ReconnectionExhausted.
const (
	EventConnectionStateChange = "connection-state-change"
	EventHealthCheck           = "health-check"
	EventReconnectionScheduled = "reconnection-scheduled"
	EventReconnectionFailed    = "reconnection-failed"
	EventReconnectionExhausted = "reconnection-exhausted"
)

// StateChange is the payload of connection-state-change.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// HealthCheck is the payload of health-check.
type HealthCheck struct {
	Sample  transport.Stats `json:"sample"`
	Healthy bool            `json:"healthy"`
	Streak  int             `json:"streak"` // consecutive unhealthy samples so far
}

// ReconnectionScheduled is the payload of reconnection-scheduled. Attempt is
// 1-based.
type ReconnectionScheduled struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ReconnectionFailed is the payload of reconnection-failed.
type ReconnectionFailed struct {
	Attempt int    `json:"attempt"`
	Err     string `json:"error"`
}

// ReconnectionExhausted is the payload of reconnection-exhausted.
type ReconnectionExhausted struct {
	Attempts int `json:"attempts"`
}

var (
	// ErrDestroyed is returned from operations on a torn-down controller.
	ErrDestroyed = errors.New("signalhub: resilience controller destroyed")

	// ErrReconnectionExhausted marks the terminal condition of the current
	// session's retry budget. The session stays alive in chat-only mode; a
	// later network-online signal restarts reconnection.
	ErrReconnectionExhausted = errors.New("signalhub: reconnection attempts exhausted")
)

// Config tunes the controller. Zero values fall back to the defaults listed
// per field.
type Config struct {
	MaxReconnectAttempts int           // 5
	BaseReconnectDelay   time.Duration // 1s
	MaxReconnectDelay    time.Duration // 30s
	ConnectionTimeout    time.Duration // 10s, per-attempt budget
	HealthCheckInterval  time.Duration // 5s
	RecoveryDelay        time.Duration // 5s, wait after reconnect before recovery check
	UnhealthyStreak      int           // 3 consecutive bad samples trigger fallback
	Unhealthy            HealthThresholds
	Recovery             RecoveryThresholds
	FallbackEnabled      bool
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BaseReconnectDelay == 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.RecoveryDelay == 0 {
		c.RecoveryDelay = 5 * time.Second
	}
	if c.UnhealthyStreak == 0 {
		c.UnhealthyStreak = 3
	}
	if c.Unhealthy == (HealthThresholds{}) {
		c.Unhealthy = DefaultHealthThresholds()
	}
	if c.Recovery == (RecoveryThresholds{}) {
		c.Recovery = DefaultRecoveryThresholds()
	}
	return c
}

// ReconnectFunc re-establishes the transport session: refresh the token, log
// in again, rejoin channels. Supplied by the session.
type ReconnectFunc func(ctx context.Context) error

// Controller runs the state machine. Reconnection attempts are strictly
// sequential: a new attempt is never scheduled while one is pending or
// running.
type Controller struct {
	cfg       Config
	tc        transport.Client
	fb        *FallbackManager
	bus       *event.Dispatcher
	reconnect ReconnectFunc
	log       zerolog.Logger
	metrics   *Metrics

	mu             sync.Mutex
	state          State
	attempts       int
	consecFailures int
	reconnecting   bool
	reconnectTimer *time.Timer
	recoveryTimer  *time.Timer
	unhealthyRun   int
	lastQuality    *transport.Stats
	lastGood       time.Time
	destroyed      bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewController creates a controller in UNINITIALIZED state. Start must be
// called before the transport connects.
func NewController(cfg Config, tc transport.Client, fb *FallbackManager, bus *event.Dispatcher, reconnect ReconnectFunc, lg zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg.withDefaults(),
		tc:         tc,
		fb:         fb,
		bus:        bus,
		reconnect:  reconnect,
		log:        lg,
		metrics:    NewMetrics(),
		state:      StateUninitialized,
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

// Start transitions to INITIALIZED and begins consuming transport events and
// running the health loop.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.transition(StateInitialized, "started")
		c.wg.Add(2)
		go c.eventLoop()
		go c.healthLoop()
	})
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the cumulative connection metrics.
func (c *Controller) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// Fallback exposes the fallback manager owned by this controller.
func (c *Controller) Fallback() *FallbackManager { return c.fb }

// ConsecutiveFailures returns the current failed-attempt run length.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecFailures
}

// transition moves the state machine, records the edge, and emits
// connection-state-change. Self-transitions are dropped; DESTROYED is
// terminal.
func (c *Controller) transition(to State, reason string) bool {
	c.mu.Lock()
	if c.destroyed && to != StateDestroyed {
		c.mu.Unlock()
		return false
	}
	from := c.state
	if from == to || from == StateDestroyed {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	tr := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	c.metrics.recordTransition(tr)
	c.log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("connection state change")
	c.bus.Emit(EventConnectionStateChange, StateChange{From: from, To: to, Reason: reason, At: tr.At})
	return true
}

// eventLoop consumes the transport's connection-state and network-quality
// streams until destroy.
func (c *Controller) eventLoop() {
	defer c.wg.Done()
	conn := c.tc.ConnEvents()
	qual := c.tc.QualityEvents()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case ev, ok := <-conn:
			if !ok {
				conn = nil
				continue
			}
			c.handleConnEvent(ev)
		case q, ok := <-qual:
			if !ok {
				qual = nil
				continue
			}
			c.mu.Lock()
			c.lastQuality = &q
			c.mu.Unlock()
		}
		if conn == nil && qual == nil {
			return
		}
	}
}

func (c *Controller) handleConnEvent(ev transport.ConnEvent) {
	switch ev.State {
	case transport.Connected:
		c.onConnected("transport connected")
	case transport.Reconnecting:
		// Transport-level transient recovery; our own scheduler stays idle
		// unless the transport later reports a hard disconnect.
		c.transition(StateReconnecting, "transport reconnecting")
	case transport.Disconnected:
		c.onDisconnected(ev.Reason)
	case transport.Failed:
		if c.cfg.FallbackEnabled {
			c.fb.Degrade(c.loopCtx, ReasonConnectionFailed)
		}
		c.onDisconnected(ev.Reason)
	}
}

// onConnected resets the retry budget and failure run, cancels any pending
// backoff timer, and schedules a delayed recovery check when the session is
// degraded.
func (c *Controller) onConnected(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	from := c.state
	reconnected := from == StateReconnecting || from == StateDisconnected || from == StateFailed
	c.attempts = 0
	c.consecFailures = 0
	c.reconnecting = false
	c.lastGood = time.Now()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.metrics.recordConnected(time.Now(), reconnected)
	c.transition(StateConnected, reason)

	if c.fb.Degraded() {
		c.mu.Lock()
		if c.recoveryTimer != nil {
			c.recoveryTimer.Stop()
		}
		c.recoveryTimer = time.AfterFunc(c.cfg.RecoveryDelay, c.recoveryCheck)
		c.mu.Unlock()
	}
}

// onDisconnected records the drop and schedules a reconnection unless one is
// already pending or running.
func (c *Controller) onDisconnected(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.mu.Unlock()

	if !c.transition(StateDisconnected, reason) {
		return
	}
	if wasConnected {
		c.metrics.recordDrop(time.Now())
	}
	c.scheduleReconnect()
}

// backoffDelay returns the wait before the attempt with the given 0-based
// index: min(base·2^attempt, max).
func (c *Controller) backoffDelay(attempt int) time.Duration {
	d := c.cfg.BaseReconnectDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxReconnectDelay {
			return c.cfg.MaxReconnectDelay
		}
	}
	if d > c.cfg.MaxReconnectDelay {
		return c.cfg.MaxReconnectDelay
	}
	return d
}

// scheduleReconnect arms the backoff timer for the next attempt. No-op while
// an attempt is already pending or running, or after destroy.
func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	if c.destroyed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	attempt := c.attempts
	delay := c.backoffDelay(attempt)
	c.reconnectTimer = time.AfterFunc(delay, c.runReconnectAttempt)
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnection scheduled")
	c.bus.Emit(EventReconnectionScheduled, ReconnectionScheduled{Attempt: attempt + 1, Delay: delay})
}

// runReconnectAttempt races one reconnect operation against the connection
// timeout, then either finishes, reschedules, or declares exhaustion.
func (c *Controller) runReconnectAttempt() {
	c.transition(StateReconnecting, "reconnect attempt")

	ctx, cancel := context.WithTimeout(c.loopCtx, c.cfg.ConnectionTimeout)
	err := c.reconnect(ctx)
	cancel()

	if err == nil {
		c.onConnected("reconnected")
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	c.consecFailures++
	attempt := c.attempts
	failures := c.consecFailures
	exhausted := attempt >= c.cfg.MaxReconnectAttempts
	if exhausted {
		c.reconnecting = false
	}
	c.mu.Unlock()

	c.log.Warn().Int("attempt", attempt).Err(err).Msg("reconnection attempt failed")
	c.bus.Emit(EventReconnectionFailed, ReconnectionFailed{Attempt: attempt, Err: err.Error()})

	if exhausted {
		c.handleReconnectionExhausted(attempt)
		return
	}

	// A second consecutive failure while still within budget degrades one
	// level so the user keeps something working during the retry run.
	if c.cfg.FallbackEnabled && failures == 2 {
		c.fb.Degrade(c.loopCtx, ReasonReconnectionFailure)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	delay := c.backoffDelay(attempt)
	c.reconnectTimer = time.AfterFunc(delay, c.runReconnectAttempt)
	c.mu.Unlock()

	c.bus.Emit(EventReconnectionScheduled, ReconnectionScheduled{Attempt: attempt + 1, Delay: delay})
}

// handleReconnectionExhausted transitions to FAILED and, when enabled, keeps
// the session alive in chat-only mode instead of giving up entirely.
func (c *Controller) handleReconnectionExhausted(attempts int) {
	c.transition(StateFailed, ErrReconnectionExhausted.Error())
	c.bus.Emit(EventReconnectionExhausted, ReconnectionExhausted{Attempts: attempts})

	if c.cfg.FallbackEnabled {
		c.fb.ActivateChatOnly(c.loopCtx, ReasonReconnectionExhausted)
	}
}

// ForceReconnect clears the pending backoff timer, resets the attempt
// counters, and issues an immediate attempt.
func (c *Controller) ForceReconnect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.consecFailures = 0
	c.reconnecting = true
	c.mu.Unlock()

	go c.runReconnectAttempt()
	return nil
}

// NotifyNetworkOffline degrades one level and records the drop without
// scheduling reconnection: there is no point retrying until the network
// signals online again.
func (c *Controller) NotifyNetworkOffline() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnecting = false
	c.mu.Unlock()

	if c.cfg.FallbackEnabled {
		c.fb.Degrade(c.loopCtx, ReasonNetworkOffline)
	}
	if c.transition(StateDisconnected, "network offline") && wasConnected {
		c.metrics.recordDrop(time.Now())
	}
}

// NotifyNetworkOnline restarts reconnection after FAILED (or an idle
// DISCONNECTED) with a fresh retry budget.
func (c *Controller) NotifyNetworkOnline() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	idle := (c.state == StateFailed || c.state == StateDisconnected) && !c.reconnecting
	if !idle {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.consecFailures = 0
	c.reconnecting = true
	c.mu.Unlock()

	go c.runReconnectAttempt()
}

// healthLoop samples the transport while CONNECTED and feeds the fallback
// decisions.
func (c *Controller) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			if c.State() == StateConnected {
				c.healthTick()
			}
		}
	}
}

func (c *Controller) healthTick() {
	ctx, cancel := context.WithTimeout(c.loopCtx, c.cfg.HealthCheckInterval)
	sample, err := c.tc.Stats(ctx)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("health probe failed")
		return
	}

	c.mu.Lock()
	// Overlay the freshest pushed quality scores when the probe itself has
	// none (transports that only report RTT).
	if c.lastQuality != nil && sample.UplinkQuality == 0 && sample.DownlinkQuality == 0 {
		sample.UplinkQuality = c.lastQuality.UplinkQuality
		sample.DownlinkQuality = c.lastQuality.DownlinkQuality
		if sample.VideoBitrateKbps == 0 {
			sample.VideoBitrateKbps = c.lastQuality.VideoBitrateKbps
		}
		if sample.PacketsLost == 0 {
			sample.PacketsLost = c.lastQuality.PacketsLost
		}
	}
	unhealthy := c.cfg.Unhealthy.Unhealthy(sample)
	if unhealthy {
		c.unhealthyRun++
	} else {
		c.unhealthyRun = 0
	}
	streak := c.unhealthyRun
	failures := c.consecFailures
	c.mu.Unlock()

	c.bus.Emit(EventHealthCheck, HealthCheck{Sample: sample, Healthy: !unhealthy, Streak: streak})

	if unhealthy {
		if streak >= c.cfg.UnhealthyStreak && c.cfg.FallbackEnabled {
			c.mu.Lock()
			c.unhealthyRun = 0
			c.mu.Unlock()
			c.fb.Degrade(c.loopCtx, ReasonPoorQuality)
		}
		return
	}

	// Healthy sample: consider stepping back up, but only under the stricter
	// recovery thresholds and never while a failure run is in progress.
	if c.fb.Degraded() && failures == 0 && c.cfg.Recovery.Eligible(sample) {
		c.fb.Recover(c.loopCtx)
	}
}

// recoveryCheck runs once, RecoveryDelay after a reconnect that found the
// session degraded.
func (c *Controller) recoveryCheck() {
	if c.State() != StateConnected || !c.fb.Degraded() {
		return
	}
	ctx, cancel := context.WithTimeout(c.loopCtx, c.cfg.ConnectionTimeout)
	sample, err := c.tc.Stats(ctx)
	cancel()
	if err != nil {
		return
	}
	c.mu.Lock()
	failures := c.consecFailures
	c.mu.Unlock()
	if failures == 0 && c.cfg.Recovery.Eligible(sample) {
		c.fb.Recover(c.loopCtx)
	}
}

// Destroy cancels all timers and loops and parks the machine in DESTROYED.
// No further transitions are permitted afterwards.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
		c.recoveryTimer = nil
	}
	c.mu.Unlock()

	c.loopCancel()
	c.wg.Wait()
	c.transition(StateDestroyed, "destroyed")
}
