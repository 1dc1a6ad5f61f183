package signalhub

import (
	"github.com/petervdpas/signalhub/channel"
	"github.com/petervdpas/signalhub/resilience"
)

// Event names a session emits. Subscribe with Session.On / Session.Once.
const (
	EventConnectionStateChange = resilience.EventConnectionStateChange
	EventHealthCheck           = resilience.EventHealthCheck
	EventReconnectionScheduled = resilience.EventReconnectionScheduled
	EventReconnectionFailed    = resilience.EventReconnectionFailed
	EventReconnectionExhausted = resilience.EventReconnectionExhausted
	EventFallbackActivated     = resilience.EventFallbackActivated
	EventFallbackRecovery      = resilience.EventFallbackRecovery
	EventMessage               = channel.EventMessage
	EventPresence              = channel.EventPresence
)

// Connection states as reported by Session.State.
const (
	StateUninitialized = resilience.StateUninitialized
	StateInitialized   = resilience.StateInitialized
	StateConnected     = resilience.StateConnected
	StateReconnecting  = resilience.StateReconnecting
	StateDisconnected  = resilience.StateDisconnected
	StateFailed        = resilience.StateFailed
	StateDestroyed     = resilience.StateDestroyed
)

// Fallback modes as reported by Session.FallbackMode.
const (
	ModeFull      = resilience.ModeFull
	ModeAudioOnly = resilience.ModeAudioOnly
	ModeChatOnly  = resilience.ModeChatOnly
)

// Event payload types, aliased from the packages that emit them.
type (
	StateChange           = resilience.StateChange
	HealthCheck           = resilience.HealthCheck
	ReconnectionScheduled = resilience.ReconnectionScheduled
	ReconnectionFailed    = resilience.ReconnectionFailed
	ReconnectionExhausted = resilience.ReconnectionExhausted
	FallbackEvent         = resilience.FallbackEvent
	State                 = resilience.State
	Mode                  = resilience.Mode
	MetricsSnapshot       = resilience.MetricsSnapshot
)
