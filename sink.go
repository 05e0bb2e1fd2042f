package telemetry

// Sink is an attached destination that receives logged messages from
// subscribed channels (an MCAP file, a WebSocket client, or a custom
// implementation). Implementations must be safe for concurrent use: Log may
// be called concurrently by multiple producer goroutines, including for the
// same channel: RawChannel.Log calls its sinks one after another within a
// single call, but does not serialize concurrent calls on one channel.
type Sink interface {
	// Id returns this sink's unique, non-zero identifier.
	Id() SinkId

	// AutoSubscribe reports whether this sink should receive every channel
	// registered with the context (a "static" subscriber, like the MCAP
	// sink) as opposed to managing its own per-channel subscriptions (a
	// "dynamic" subscriber, like a WebSocket client).
	AutoSubscribe() bool

	// OnChannelAdded is called once for every channel that becomes visible
	// to this sink: at attach time for already-registered channels, and
	// thereafter whenever a new channel is registered. For a dynamic
	// (AutoSubscribe() == false) sink, the returned channel ids (if any)
	// are immediately subscribed on the sink's behalf.
	OnChannelAdded(channel *RawChannel) []ChannelId

	// OnChannelRemoved is called when a channel is removed from the
	// context, after its subscriptions have been torn down.
	OnChannelRemoved(channel *RawChannel)

	// Log delivers one message to the sink. Implementations must not block
	// indefinitely; a slow or unavailable sink should drop, queue
	// non-blockingly, or otherwise fail fast rather than stall the
	// publisher.
	Log(channel *RawChannel, data []byte, metadata Metadata) error
}
