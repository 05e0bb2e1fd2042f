package telemetry

import "sync/atomic"

// ChannelId uniquely identifies a channel within a process. The same id
// identifies the channel to every WebSocket client it is advertised to.
type ChannelId uint64

// SinkId uniquely identifies a sink attached to a context. Zero is reserved
// to mean "unset".
type SinkId uint64

// SubscriptionId identifies a single WebSocket client's subscription to a
// channel. Scoped to one client connection.
type SubscriptionId uint32

// ClientId identifies a WebSocket connection. Zero is reserved to mean
// "unset".
type ClientId uint32

var (
	nextChannelId      atomic.Uint64
	nextSinkId         atomic.Uint64
	nextClientId       atomic.Uint32
	nextSubscriptionId atomic.Uint32
)

func newChannelId() ChannelId {
	return ChannelId(nextChannelId.Add(1))
}

// NewSinkId returns the next non-zero sink id. Exported so that sinks
// implemented outside this module (custom Sink implementations) can mint
// ids from the same process-wide counter the built-in sinks use.
func NewSinkId() SinkId {
	return SinkId(nextSinkId.Add(1))
}

// NewClientId returns the next non-zero client id. Exported for the same
// reason as NewSinkId: wsserver lives in a separate package.
func NewClientId() ClientId {
	return ClientId(nextClientId.Add(1))
}

// NewSubscriptionId returns the next subscription id, scoped to one client
// connection but drawn from a process-wide counter.
func NewSubscriptionId() SubscriptionId {
	return SubscriptionId(nextSubscriptionId.Add(1))
}
