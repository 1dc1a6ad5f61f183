package signalhub

import (
	"errors"

	"github.com/petervdpas/signalhub/channel"
	"github.com/petervdpas/signalhub/resilience"
	"github.com/petervdpas/signalhub/transport"
)

// Sentinel errors surfaced by Session methods. The channel and resilience
// packages define most of them; they are re-exported here so callers only
// import the root package.
var (
	ErrInvalidArgument       = channel.ErrInvalidArgument
	ErrMetadataConflict      = channel.ErrMetadataConflict
	ErrLockUnavailable       = channel.ErrLockUnavailable
	ErrNotJoined             = channel.ErrNotJoined
	ErrDestroyed             = resilience.ErrDestroyed
	ErrReconnectionExhausted = resilience.ErrReconnectionExhausted
	ErrRevisionConflict      = transport.ErrRevisionConflict

	// ErrAuthUnavailable means no usable token could be obtained from the
	// token provider, so the session cannot (re)connect.
	ErrAuthUnavailable = errors.New("signalhub: no usable auth token")

	// ErrSessionClosed is returned by every method after Close.
	ErrSessionClosed = errors.New("signalhub: session closed")
)
