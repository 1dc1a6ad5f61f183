// Package transport defines the client interface a realtime provider backend
// must implement: channel and stream-channel messaging, presence, revisioned
// metadata, TTL locks, and connection-state/quality event streams.
//
// Two interchangeable implementations live in subpackages: redistr (Redis
// pub/sub) and wstr (WebSocket hub). Both must pass the transporttest
// contract suite.
package transport

import (
	"context"
	"time"
)

// ConnState is the coarse connection state reported by a backend.
type ConnState string

const (
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Reconnecting ConnState = "reconnecting"
	Disconnected ConnState = "disconnected"
	Failed       ConnState = "failed"
)

// ConnEvent is emitted on the connection-state stream whenever the backend's
// view of the link changes.
type ConnEvent struct {
	State  ConnState `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Message is one inbound payload delivered on a joined channel. Topic is
// non-empty only for stream-channel topic deliveries.
type Message struct {
	Channel string    `json:"channel"`
	Topic   string    `json:"topic,omitempty"`
	From    string    `json:"from"`
	Payload []byte    `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Presence status values as delivered by the provider.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceJoined  = "joined"
	PresenceLeft    = "left"
)

// PresenceRecord is one member's presence on a channel.
type PresenceRecord struct {
	Channel   string            `json:"channel"`
	UserID    string            `json:"user_id"`
	Status    string            `json:"status"`
	State     map[string]string `json:"state,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MetadataEntry is one revisioned key/value pair attached to a channel.
// Revision increases by one on every successful write.
type MetadataEntry struct {
	Channel  string `json:"channel"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Revision int64  `json:"revision"`
}

// AnyRevision disables the compare-and-set check on SetMetadata.
const AnyRevision int64 = -1

// SetMetadataOptions controls optimistic concurrency and lock guarding for a
// metadata write.
type SetMetadataOptions struct {
	// Revision is the revision the caller last read. The write fails with
	// ErrRevisionConflict if the stored revision differs. AnyRevision skips
	// the check.
	Revision int64
	// Lock, when non-empty, names a lock the caller must currently hold on
	// the channel for the write to be accepted.
	Lock string
}

// Stats is a point-in-time link quality snapshot. Quality scores run 0 (down)
// to 6 (excellent), mirroring the provider's network-quality scale.
type Stats struct {
	RTT              time.Duration `json:"rtt"`
	UplinkQuality    int           `json:"uplink_quality"`
	DownlinkQuality  int           `json:"downlink_quality"`
	VideoBitrateKbps int           `json:"video_bitrate_kbps"`
	PacketsLost      int           `json:"packets_lost"`
	At               time.Time     `json:"at"`
}

// Client is the provider-side contract. All blocking calls take a context and
// honor its cancellation. Event channels stay open until Close and must be
// drained by exactly one consumer.
type Client interface {
	// Login authenticates the connection with a bearer token and binds it to
	// userID. It is also the reconnect operation: calling it again on a live
	// client re-establishes the link and restores joined channels.
	Login(ctx context.Context, token, userID string) error
	Logout(ctx context.Context) error

	JoinChannel(ctx context.Context, name string) error
	LeaveChannel(ctx context.Context, name string) error
	Send(ctx context.Context, channel string, payload []byte) error

	JoinStreamChannel(ctx context.Context, name string) error
	LeaveStreamChannel(ctx context.Context, name string) error
	SubscribeTopic(ctx context.Context, channel, topic string) error
	UnsubscribeTopic(ctx context.Context, channel, topic string) error
	PublishTopic(ctx context.Context, channel, topic string, payload []byte) error

	GetPresence(ctx context.Context, channel string) ([]PresenceRecord, error)
	SetPresence(ctx context.Context, channel string, state map[string]string) error

	GetMetadata(ctx context.Context, channel, key string) (MetadataEntry, error)
	SetMetadata(ctx context.Context, channel, key, value string, opts SetMetadataOptions) (MetadataEntry, error)

	AcquireLock(ctx context.Context, channel, name string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, channel, name string) error

	// Stats probes the link and returns the freshest quality snapshot.
	Stats(ctx context.Context) (Stats, error)

	ConnEvents() <-chan ConnEvent
	QualityEvents() <-chan Stats
	Messages() <-chan Message
	PresenceEvents() <-chan PresenceRecord

	Close() error
}
