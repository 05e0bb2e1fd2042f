package telemetry

import "unicode/utf8"

// ChannelBuilder configures and constructs a RawChannel or a typed Channel
// on a Context. Obtain one via Context.ChannelBuilder; never
// construct a RawChannel directly.
type ChannelBuilder struct {
	ctx             *Context
	topic           string
	messageEncoding string
	schema          *Schema
	metadata        map[string]string
}

func newChannelBuilder(topic string, ctx *Context) *ChannelBuilder {
	return &ChannelBuilder{ctx: ctx, topic: topic}
}

// MessageEncoding sets the channel's message encoding identifier (e.g.
// "json", "protobuf", "flatbuffer").
func (b *ChannelBuilder) MessageEncoding(encoding string) *ChannelBuilder {
	b.messageEncoding = encoding
	return b
}

// Schema attaches a schema to the channel.
func (b *ChannelBuilder) Schema(schema Schema) *ChannelBuilder {
	b.schema = &schema
	return b
}

// Metadata attaches arbitrary string key/value metadata to the channel.
// Later calls overwrite earlier ones for the same key.
func (b *ChannelBuilder) Metadata(metadata map[string]string) *ChannelBuilder {
	if b.metadata == nil {
		b.metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		b.metadata[k] = v
	}
	return b
}

// BuildRaw constructs the untyped channel, registering it on the builder's
// context. If an existing channel with identical topic, message encoding,
// schema, and metadata is already registered, that channel is returned
// instead and no new channel is created.
func (b *ChannelBuilder) BuildRaw() (*RawChannel, error) {
	if b.topic == "" {
		return nil, newErr(KindInvalidValue, "channel topic must not be empty")
	}
	if !utf8.ValidString(b.topic) {
		return nil, newErr(KindUTF8, "channel topic %q is not valid UTF-8", b.topic)
	}
	if b.messageEncoding == "" {
		return nil, newErr(KindMessageEncodingRequired, "channel %q: message encoding is required", b.topic)
	}
	if b.schema == nil && RequiresSchema(b.messageEncoding) {
		return nil, newErr(KindSchemaRequired, "channel %q: message encoding %q requires a schema", b.topic, b.messageEncoding)
	}
	if b.schema != nil && (!utf8.ValidString(b.schema.Name) || !utf8.ValidString(b.schema.Encoding)) {
		return nil, newErr(KindUTF8, "channel %q: schema name/encoding is not valid UTF-8", b.topic)
	}

	ch := &RawChannel{
		id:              newChannelId(),
		topic:           b.topic,
		messageEncoding: b.messageEncoding,
		schema:          b.schema,
		metadata:        NewOrderedMetadata(b.metadata),
	}
	return b.ctx.addChannel(ch), nil
}

// Build constructs a typed channel wrapping a newly built (or deduplicated)
// RawChannel, encoding every logged value with enc before delegating to the
// raw channel.
func Build[T any](b *ChannelBuilder, enc Encoder[T]) (*Channel[T], error) {
	raw, err := b.BuildRaw()
	if err != nil {
		return nil, err
	}
	return &Channel[T]{raw: raw, enc: enc}, nil
}
