package telemetry

import "bytes"

// Encoder produces the wire bytes for one logged value of type T. Typical
// implementations wrap protobuf, JSON, or flatbuffer marshaling; Encode must
// not retain buf beyond the call.
type Encoder[T any] interface {
	Encode(buf *bytes.Buffer, value T) error
}

// EncoderFunc adapts a plain function to Encoder.
type EncoderFunc[T any] func(buf *bytes.Buffer, value T) error

// Encode calls f.
func (f EncoderFunc[T]) Encode(buf *bytes.Buffer, value T) error { return f(buf, value) }

// Channel is the typed view of a channel: Log accepts a T
// rather than raw bytes, encoding it before handing off to the underlying
// RawChannel's fan-out.
type Channel[T any] struct {
	raw *RawChannel
	enc Encoder[T]
}

// Id returns the channel's unique identifier.
func (c *Channel[T]) Id() ChannelId { return c.raw.Id() }

// Topic returns the channel's topic name.
func (c *Channel[T]) Topic() string { return c.raw.Topic() }

// RawChannel returns the underlying untyped channel.
func (c *Channel[T]) RawChannel() *RawChannel { return c.raw }

// Closed reports whether the channel has been closed.
func (c *Channel[T]) Closed() bool { return c.raw.Closed() }

// Close closes the underlying channel.
func (c *Channel[T]) Close() { c.raw.Close() }

// Log encodes value and publishes it to every sink subscribed to this
// channel. Each call encodes into a fresh bytes.Buffer that grows as
// needed; no fixed-size stack buffer is reserved for small messages.
func (c *Channel[T]) Log(value T, partial PartialMetadata) error {
	var buf bytes.Buffer
	if err := c.enc.Encode(&buf, value); err != nil {
		return wrapErr(KindEncode, err, "encode message for channel %q", c.raw.topic)
	}
	c.raw.Log(buf.Bytes(), partial, 0)
	return nil
}

// LogTo behaves like Log but targets a single sink by id, used by a sink
// implementation replaying buffered messages to one freshly (re)subscribed
// client without re-delivering to everyone else.
func (c *Channel[T]) LogTo(value T, partial PartialMetadata, sinkID SinkId) error {
	var buf bytes.Buffer
	if err := c.enc.Encode(&buf, value); err != nil {
		return wrapErr(KindEncode, err, "encode message for channel %q", c.raw.topic)
	}
	c.raw.Log(buf.Bytes(), partial, sinkID)
	return nil
}
