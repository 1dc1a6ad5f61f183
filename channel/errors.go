package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a caller error caught before any network call.
	// Never retried.
	ErrInvalidArgument = errors.New("signalhub: invalid argument")

	// ErrMetadataConflict is returned when a metadata write supplied a stale
	// revision. The caller must re-read and retry; the local cache keeps the
	// pre-write entry.
	ErrMetadataConflict = errors.New("signalhub: metadata revision conflict")

	// ErrLockUnavailable is returned once lock acquisition retries are
	// exhausted.
	ErrLockUnavailable = errors.New("signalhub: lock unavailable")

	// ErrNotJoined is returned for operations on a channel that was never
	// joined (or already left).
	ErrNotJoined = errors.New("signalhub: channel not joined")
)

// JoinError reports a channel join the transport rejected, e.g. because the
// connection is not authenticated.
type JoinError struct {
	Channel string
	Err     error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("signalhub: join channel %q: %v", e.Channel, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
