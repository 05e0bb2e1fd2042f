package mcapsink

import (
	"bufio"
	"io"
	"os"
	"sync"

	telemetry "github.com/arclog/telemetry"
)

// fileWriterBufferSize is the write buffer placed in front of the
// recording file.
const fileWriterBufferSize = 1 << 20

// Writer is the attached-recording handle: it couples a Sink to the
// Context it records from, so that Close both detaches the sink and
// finalizes the file in one step. Dropping the handle without closing leaves
// the recording unfinalized; always call Close.
type Writer struct {
	ctx  *telemetry.Context
	sink *Sink

	mu     sync.Mutex
	flush  *bufio.Writer // nil unless created by CreateFile
	file   *os.File      // nil unless created by CreateFile
	closed bool
}

// New creates an MCAP sink writing to w and attaches it to ctx. Every
// existing and future channel on ctx (subject to opts.ChannelFilter) is
// recorded until Close.
func New(ctx *telemetry.Context, w io.Writer, opts Options) (*Writer, error) {
	sink, err := NewSink(w, opts)
	if err != nil {
		return nil, err
	}
	ctx.AddSink(sink)
	return &Writer{ctx: ctx, sink: sink}, nil
}

// CreateFile creates (truncating) a buffered recording file at path and
// attaches it to ctx.
func CreateFile(ctx *telemetry.Context, path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &telemetry.Error{Kind: telemetry.KindIO, Msg: "create recording file", Err: err}
	}
	buf := bufio.NewWriterSize(f, fileWriterBufferSize)
	sink, err := NewSink(buf, opts)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	ctx.AddSink(sink)
	return &Writer{ctx: ctx, sink: sink, flush: buf, file: f}, nil
}

// Sink returns the underlying sink, e.g. to pass its id to
// RawChannel.Log's target-sink parameter.
func (w *Writer) Sink() *Sink { return w.sink }

// Close detaches the sink from its context, finalizes the MCAP recording,
// and flushes and closes the file if CreateFile opened one. Safe to call
// more than once; subsequent calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.ctx.RemoveSink(w.sink.Id())
	err := w.sink.Close()
	if w.flush != nil {
		if ferr := w.flush.Flush(); err == nil && ferr != nil {
			err = &telemetry.Error{Kind: telemetry.KindIO, Msg: "flush recording file", Err: ferr}
		}
	}
	if w.file != nil {
		if cerr := w.file.Close(); err == nil && cerr != nil {
			err = &telemetry.Error{Kind: telemetry.KindIO, Msg: "close recording file", Err: cerr}
		}
	}
	return err
}
