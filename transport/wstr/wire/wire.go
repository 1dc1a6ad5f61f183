// Package wire defines the JSON frame protocol spoken between the wstr
// client and the hub. One Frame type covers requests, responses and server
// pushes; the Op discriminates.
package wire

import (
	"encoding/json"
	"time"

	"github.com/petervdpas/signalhub/transport"
)

// Request and push operations.
const (
	OpLogin       = "login"
	OpLogout      = "logout"
	OpJoin        = "join"
	OpLeave       = "leave"
	OpJoinStream  = "join_stream"
	OpLeaveStream = "leave_stream"
	OpSend        = "send"
	OpSubTopic    = "sub_topic"
	OpUnsubTopic  = "unsub_topic"
	OpPubTopic    = "pub_topic"
	OpPresenceSet = "presence_set"
	OpPresenceGet = "presence_get"
	OpMetaGet     = "meta_get"
	OpMetaSet     = "meta_set"
	OpLockAcquire = "lock_acquire"
	OpLockRelease = "lock_release"
	OpPing        = "ping"

	// server → client pushes, no ID
	OpMessage  = "message"
	OpPresence = "presence"
)

// Error codes carried in Frame.Error.
const (
	ErrCodeNotLoggedIn      = "not_logged_in"
	ErrCodeNotJoined        = "not_joined"
	ErrCodeRevisionConflict = "revision_conflict"
	ErrCodeLockHeld         = "lock_held"
	ErrCodeLockNotHeld      = "lock_not_held"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
)

// Frame is one protocol message. ID is non-zero on requests and their
// responses, zero on pushes. Revision deliberately has no omitempty: zero is
// a valid expected revision.
type Frame struct {
	ID    int64  `json:"id,omitempty"`
	Op    string `json:"op"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	Token string `json:"token,omitempty"`
	User  string `json:"user,omitempty"`
	// ConnID identifies a client across reconnects so lock ownership
	// survives a re-login.
	ConnID string `json:"conn_id,omitempty"`

	Channel  string `json:"channel,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Revision int64  `json:"revision"`
	Lock     string `json:"lock,omitempty"`
	TTLMs    int64  `json:"ttl_ms,omitempty"`

	State   map[string]string `json:"state,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	From    string            `json:"from,omitempty"`
	SentAt  time.Time         `json:"sent_at,omitempty"`

	Presence []transport.PresenceRecord `json:"presence,omitempty"`
	Record   *transport.PresenceRecord  `json:"record,omitempty"`
	Entry    *transport.MetadataEntry   `json:"entry,omitempty"`
}

// CodeToErr maps a wire error code to the transport sentinel. Unknown codes
// map to nil and callers fall back to a generic error.
func CodeToErr(code string) error {
	switch code {
	case ErrCodeNotLoggedIn:
		return transport.ErrNotLoggedIn
	case ErrCodeNotJoined:
		return transport.ErrNotJoined
	case ErrCodeRevisionConflict:
		return transport.ErrRevisionConflict
	case ErrCodeLockHeld:
		return transport.ErrLockHeld
	case ErrCodeLockNotHeld:
		return transport.ErrLockNotHeld
	default:
		return nil
	}
}
