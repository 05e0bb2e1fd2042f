package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/arclog/telemetry/internal/throttle"
)

var closedWarnThrottle = throttle.NewKeyed(10*time.Second, 1)

// RawChannel is the untyped view of a channel: a named stream of
// same-shaped messages, immutable except for its sink snapshot and closed
// flag. Construct one via ChannelBuilder, never directly.
type RawChannel struct {
	id              ChannelId
	topic           string
	messageEncoding string
	schema          *Schema
	metadata        *OrderedMetadata

	ctx *Context

	sinks  atomic.Pointer[[]Sink]
	closed atomic.Bool
}

// Id returns the channel's unique identifier.
func (c *RawChannel) Id() ChannelId { return c.id }

// Topic returns the channel's topic name.
func (c *RawChannel) Topic() string { return c.topic }

// MessageEncoding returns the channel's message encoding identifier.
func (c *RawChannel) MessageEncoding() string { return c.messageEncoding }

// Schema returns the channel's schema, or nil if none was set.
func (c *RawChannel) Schema() *Schema { return c.schema }

// Metadata returns the channel's metadata.
func (c *RawChannel) Metadata() *OrderedMetadata { return c.metadata }

// Closed reports whether the channel has been closed, either explicitly or
// because its owning context was dropped.
func (c *RawChannel) Closed() bool { return c.closed.Load() }

// HasSinks reports whether any sink currently observes this channel.
func (c *RawChannel) HasSinks() bool {
	snap := c.sinks.Load()
	return snap != nil && len(*snap) > 0
}

// Close marks the channel closed for new logs. Idempotent.
func (c *RawChannel) Close() {
	if c.ctx != nil {
		c.ctx.removeChannel(c.id)
		return
	}
	c.closed.Store(true)
}

// matches reports whether two raw channels are interchangeable: identical
// topic, message encoding, schema, and metadata. Used by the context to
// deduplicate channel construction.
func (c *RawChannel) matches(topic, messageEncoding string, schema *Schema, metadata *OrderedMetadata) bool {
	if c.topic != topic || c.messageEncoding != messageEncoding {
		return false
	}
	if (c.schema == nil) != (schema == nil) {
		return false
	}
	if c.schema != nil && !c.schema.Equal(*schema) {
		return false
	}
	return c.metadata.Equal(metadata)
}

// snapshot returns the current sink list without taking any lock.
func (c *RawChannel) snapshot() []Sink {
	p := c.sinks.Load()
	if p == nil {
		return nil
	}
	return *p
}

// setSnapshot atomically replaces the sink list.
func (c *RawChannel) setSnapshot(sinks []Sink) {
	c.sinks.Store(&sinks)
}

// Log publishes data to every sink currently subscribed to this channel, or
// to a single target sink if sinkID is non-zero. Never blocks
// indefinitely; per-sink errors are swallowed (logged, throttled) rather
// than propagated, so one failing sink never prevents delivery to others.
func (c *RawChannel) Log(data []byte, partial PartialMetadata, sinkID SinkId) {
	snap := c.snapshot()
	if len(snap) == 0 {
		if c.closed.Load() && closedWarnThrottle.Allow(topicKey(c.id)) {
			logEvent().
				Uint64("channel_id", uint64(c.id)).
				Str("topic", c.topic).
				Msg("log on closed channel with no sinks")
		}
		return
	}

	meta := Metadata{LogTime: NowTimestamp()}
	if partial.LogTime != nil {
		meta.LogTime = *partial.LogTime
	}

	if sinkID != 0 {
		for _, sink := range snap {
			if sink.Id() == sinkID {
				logSinkErr(c, sink, data, meta)
				return
			}
		}
		return
	}

	for _, sink := range snap {
		logSinkErr(c, sink, data, meta)
	}
}

var sinkErrThrottle = throttle.NewKeyed(1*time.Second, 1)

func logSinkErr(c *RawChannel, sink Sink, data []byte, meta Metadata) {
	if err := sink.Log(c, data, meta); err != nil {
		if sinkErrThrottle.Allow(topicKey(c.id)) {
			logEvent().
				Err(err).
				Uint64("channel_id", uint64(c.id)).
				Uint64("sink_id", uint64(sink.Id())).
				Str("topic", c.topic).
				Msg("sink log failed")
		}
	}
}
