package mcapsink

import (
	"io"
	"sync"

	"github.com/foxglove/mcap/go/mcap"

	telemetry "github.com/arclog/telemetry"
)

type mcapChannelID = uint16

// schemaKey identifies an mcap schema by content, so that two RawChannels
// with equal (name, encoding, data) reuse a single schema record rather
// than writing a duplicate; the mcap writer itself takes ids as given and
// does not dedupe.
type schemaKey struct {
	name     string
	encoding string
	data     string
}

// channelKey identifies an mcap channel by content. Channel ids are reused
// based on the channel's identity, so multiple SDK ChannelIds may map to
// the same file channel id.
type channelKey struct {
	topic           string
	messageEncoding string
	schemaID        uint16
	metadata        string
}

type writerState struct {
	writer *mcap.Writer

	schemaIDs   map[schemaKey]uint16
	channelIDs  map[channelKey]mcapChannelID
	channelByID map[telemetry.ChannelId]mcapChannelID
	sequences   map[mcapChannelID]uint32

	// File-local id allocation. The Go mcap writer takes caller-assigned
	// record ids; schema id 0 is reserved to mean "no schema".
	nextSchemaID  uint16
	nextChannelID mcapChannelID
}

func newWriterState(w *mcap.Writer) *writerState {
	return &writerState{
		writer:       w,
		schemaIDs:    make(map[schemaKey]uint16),
		channelIDs:   make(map[channelKey]mcapChannelID),
		channelByID:  make(map[telemetry.ChannelId]mcapChannelID),
		sequences:    make(map[mcapChannelID]uint32),
		nextSchemaID: 1,
	}
}

func (ws *writerState) nextSequence(id mcapChannelID) uint32 {
	seq := ws.sequences[id] + 1
	ws.sequences[id] = seq
	return seq
}

func metadataKey(m *telemetry.OrderedMetadata) string {
	if m == nil || m.Len() == 0 {
		return ""
	}
	var b []byte
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		b = append(b, k...)
		b = append(b, '\x00')
		b = append(b, v...)
		b = append(b, '\x01')
	}
	return string(b)
}

func (ws *writerState) resolveChannel(ch *telemetry.RawChannel) (mcapChannelID, error) {
	if id, ok := ws.channelByID[ch.Id()]; ok {
		return id, nil
	}

	var schemaID uint16
	if s := ch.Schema(); s != nil {
		key := schemaKey{name: s.Name, encoding: s.Encoding, data: string(s.Data)}
		if existing, ok := ws.schemaIDs[key]; ok {
			schemaID = existing
		} else {
			schemaID = ws.nextSchemaID
			ws.nextSchemaID++
			schema := &mcap.Schema{ID: schemaID, Name: s.Name, Encoding: s.Encoding, Data: s.Data}
			if err := ws.writer.WriteSchema(schema); err != nil {
				return 0, &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "write mcap schema", Err: err}
			}
			ws.schemaIDs[key] = schemaID
		}
	}

	ckey := channelKey{
		topic:           ch.Topic(),
		messageEncoding: ch.MessageEncoding(),
		schemaID:        schemaID,
		metadata:        metadataKey(ch.Metadata()),
	}
	id, ok := ws.channelIDs[ckey]
	if !ok {
		id = ws.nextChannelID
		ws.nextChannelID++
		channel := &mcap.Channel{
			ID:              id,
			SchemaID:        schemaID,
			Topic:           ch.Topic(),
			MessageEncoding: ch.MessageEncoding(),
			Metadata:        ch.Metadata().Map(),
		}
		if err := ws.writer.WriteChannel(channel); err != nil {
			return 0, &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "write mcap channel", Err: err}
		}
		ws.channelIDs[ckey] = id
	}

	ws.channelByID[ch.Id()] = id
	return id, nil
}

func (ws *writerState) log(ch *telemetry.RawChannel, data []byte, meta telemetry.Metadata) error {
	id, err := ws.resolveChannel(ch)
	if err != nil {
		return err
	}

	logTime := meta.LogTime.AsNanos()
	msg := &mcap.Message{
		ChannelID:   id,
		Sequence:    ws.nextSequence(id),
		LogTime:     logTime,
		PublishTime: logTime, // no independent publish_time source
		Data:        data,
	}
	if err := ws.writer.WriteMessage(msg); err != nil {
		return &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "write mcap message", Err: err}
	}
	return nil
}

// Sink is a telemetry.Sink that records every channel it observes into an
// MCAP file. Without a ChannelFilter it auto-subscribes: once attached to a
// Context, it receives every current and future channel. With a filter, it
// subscribes per channel, only to the channels the filter accepts.
type Sink struct {
	id     telemetry.SinkId
	filter func(*telemetry.RawChannel) bool

	mu    sync.Mutex
	state *writerState // nil once Close has been called
}

// NewSink creates an MCAP sink writing to w, which is typically an
// *os.File but may be any io.Writer (e.g. a buffered or network writer);
// the MCAP format does not require seeking.
func NewSink(w io.Writer, opts Options) (*Sink, error) {
	mw, err := mcap.NewWriter(w, opts.writerOptions())
	if err != nil {
		return nil, &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "create mcap writer", Err: err}
	}
	if err := mw.WriteHeader(&mcap.Header{Profile: opts.Profile, Library: "arclog-telemetry"}); err != nil {
		return nil, &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "write mcap header", Err: err}
	}
	return &Sink{
		id:     telemetry.NewSinkId(),
		filter: opts.ChannelFilter,
		state:  newWriterState(mw),
	}, nil
}

// Id returns the sink's unique identifier.
func (s *Sink) Id() telemetry.SinkId { return s.id }

// AutoSubscribe reports whether the sink observes every channel. An
// unfiltered recording does; a sink constructed with a ChannelFilter manages
// per-channel subscriptions instead.
func (s *Sink) AutoSubscribe() bool { return s.filter == nil }

// OnChannelAdded subscribes a filtered sink to each new channel its filter
// accepts. For an unfiltered sink the subscription is global and the return
// value is ignored.
func (s *Sink) OnChannelAdded(ch *telemetry.RawChannel) []telemetry.ChannelId {
	if s.filter == nil || !s.filter(ch) {
		return nil
	}
	return []telemetry.ChannelId{ch.Id()}
}

// OnChannelRemoved is a no-op: the MCAP format has no notion of removing a
// channel from an already-written recording.
func (s *Sink) OnChannelRemoved(*telemetry.RawChannel) {}

// Log writes one message, registering its channel's schema and channel
// records on first use.
func (s *Sink) Log(ch *telemetry.RawChannel, data []byte, meta telemetry.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return &telemetry.Error{Kind: telemetry.KindSinkClosed, Msg: "mcap sink is closed"}
	}
	return s.state.log(ch, data, meta)
}

// Close finalizes the recording, flushing its summary and footer. Safe to
// call more than once; subsequent calls are no-ops.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	err := s.state.writer.Close()
	s.state = nil
	if err != nil {
		return &telemetry.Error{Kind: telemetry.KindMCAP, Msg: "finalize mcap recording", Err: err}
	}
	return nil
}
