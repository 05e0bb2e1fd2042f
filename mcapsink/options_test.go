package mcapsink_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/arclog/telemetry"
	"github.com/arclog/telemetry/mcapsink"
)

type chunkRecord struct {
	compression string
	records     []byte
}

func parseChunkRecord(t *testing.T, body []byte) chunkRecord {
	t.Helper()
	// message_start_time, message_end_time, uncompressed_size (u64 each),
	// uncompressed_crc (u32), then the compression string and record bytes.
	require.GreaterOrEqual(t, len(body), 28)
	compression, rest := readPrefixedString(t, body[28:])
	n := binary.LittleEndian.Uint64(rest[0:8])
	require.GreaterOrEqual(t, uint64(len(rest)-8), n)
	return chunkRecord{compression: compression, records: rest[8 : 8+n]}
}

func findChunk(t *testing.T, data []byte) chunkRecord {
	t.Helper()
	for _, rec := range scanRecords(t, data) {
		if rec.op == opChunk {
			return parseChunkRecord(t, rec.body)
		}
	}
	t.Fatal("no chunk record in recording")
	return chunkRecord{}
}

func writeChunkedRecording(t *testing.T, compression mcapsink.CompressionFormat) []byte {
	t.Helper()
	var buf bytes.Buffer
	opts := mcapsink.DefaultOptions()
	opts.Compression = compression
	sink, err := mcapsink.NewSink(&buf, opts)
	require.NoError(t, err)

	ctx := telemetry.NewContext()
	ctx.AddSink(sink)
	ch, err := ctx.ChannelBuilder("/compressed").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	ch.Log([]byte(`{"payload":"zzzzzzzzzzzzzzzz"}`), telemetry.PartialMetadata{}, 0)
	require.NoError(t, sink.Close())
	return buf.Bytes()
}

func assertChunkHoldsMessage(t *testing.T, records []byte) {
	t.Helper()
	found := false
	for _, rec := range scanRecordBytes(t, records) {
		if rec.op == opMessage {
			msg := parseMessageRecord(t, rec.body)
			assert.Equal(t, []byte(`{"payload":"zzzzzzzzzzzzzzzz"}`), msg.data)
			found = true
		}
	}
	assert.True(t, found, "decompressed chunk should contain the message record")
}

func TestOptions_ZSTDChunksDecompress(t *testing.T) {
	data := writeChunkedRecording(t, mcapsink.CompressionZSTD)
	chunk := findChunk(t, data)
	require.Equal(t, "zstd", chunk.compression)

	dec, err := zstd.NewReader(bytes.NewReader(chunk.records))
	require.NoError(t, err)
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	require.NoError(t, err)
	assertChunkHoldsMessage(t, raw)
}

func TestOptions_LZ4ChunksDecompress(t *testing.T) {
	data := writeChunkedRecording(t, mcapsink.CompressionLZ4)
	chunk := findChunk(t, data)
	require.Equal(t, "lz4", chunk.compression)

	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(chunk.records)))
	require.NoError(t, err)
	assertChunkHoldsMessage(t, raw)
}

func TestOptions_NoCompressionChunksAreRawRecords(t *testing.T) {
	data := writeChunkedRecording(t, mcapsink.CompressionNone)
	chunk := findChunk(t, data)
	require.Equal(t, "", chunk.compression)
	assertChunkHoldsMessage(t, chunk.records)
}
