package transport

import "errors"

// Sentinel errors every backend maps its provider failures onto, so callers
// can branch with errors.Is regardless of which backend is in use.
var (
	ErrNotLoggedIn      = errors.New("transport: not logged in")
	ErrNotJoined        = errors.New("transport: channel not joined")
	ErrRevisionConflict = errors.New("transport: metadata revision conflict")
	ErrLockHeld         = errors.New("transport: lock held by another client")
	ErrLockNotHeld      = errors.New("transport: lock not held by this client")
	ErrClosed           = errors.New("transport: client closed")
)
