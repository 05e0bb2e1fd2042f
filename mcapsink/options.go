// Package mcapsink implements a telemetry.Sink that records every message
// it observes into an MCAP file, built on github.com/foxglove/mcap/go/mcap.
package mcapsink

import (
	"github.com/foxglove/mcap/go/mcap"

	telemetry "github.com/arclog/telemetry"
)

// CompressionFormat selects the chunk compression codec.
type CompressionFormat int

const (
	// CompressionNone disables compression.
	CompressionNone CompressionFormat = iota
	// CompressionLZ4 compresses chunks with LZ4.
	CompressionLZ4
	// CompressionZSTD compresses chunks with Zstandard.
	CompressionZSTD
)

func (c CompressionFormat) mcapFormat() mcap.CompressionFormat {
	switch c {
	case CompressionLZ4:
		return mcap.CompressionLZ4
	case CompressionZSTD:
		return mcap.CompressionZSTD
	default:
		return mcap.CompressionNone
	}
}

// Options configures a Sink's underlying MCAP writer. The zero value
// produces an unchunked, uncompressed, index-free recording; DefaultOptions
// is the recommended starting point for seekable output.
type Options struct {
	// Profile is the recording's application profile string, written into
	// the MCAP header.
	Profile string
	// Chunked enables chunked, indexed output. Disabling it produces a
	// smaller, streaming-friendly but unindexed file.
	Chunked bool
	// ChunkSize is the target uncompressed size, in bytes, of each chunk.
	ChunkSize int64
	// Compression selects the chunk compression codec.
	Compression CompressionFormat
	// ChunkCRC adds CRC-32 checksums to chunks and attachments.
	ChunkCRC bool

	// DisableStatistics omits the statistics record from the summary.
	DisableStatistics bool
	// DisableSummaryOffsets omits summary offset records.
	DisableSummaryOffsets bool
	// DisableMessageIndexes omits per-chunk message index records.
	DisableMessageIndexes bool
	// DisableChunkIndexes omits chunk index records from the summary.
	DisableChunkIndexes bool
	// DisableAttachmentIndexes omits attachment index records.
	DisableAttachmentIndexes bool
	// DisableMetadataIndexes omits metadata index records.
	DisableMetadataIndexes bool
	// DisableRepeatedSchemas omits the repeated schema records normally
	// written into the summary section for seekable readers.
	DisableRepeatedSchemas bool
	// DisableRepeatedChannels omits the repeated channel records normally
	// written into the summary section.
	DisableRepeatedChannels bool

	// ChannelFilter, if set, restricts the recording to channels the filter
	// accepts; the sink then subscribes per-channel instead of globally.
	ChannelFilter func(*telemetry.RawChannel) bool
}

// DefaultOptions returns the recommended defaults: chunked, zstd-compressed,
// CRC-checked output with every index and summary record enabled.
func DefaultOptions() Options {
	return Options{
		Chunked:     true,
		ChunkSize:   4 * 1024 * 1024,
		Compression: CompressionZSTD,
		ChunkCRC:    true,
	}
}

func (o Options) writerOptions() *mcap.WriterOptions {
	return &mcap.WriterOptions{
		Chunked:              o.Chunked,
		ChunkSize:            o.ChunkSize,
		Compression:          o.Compression.mcapFormat(),
		IncludeCRC:           o.ChunkCRC,
		SkipStatistics:       o.DisableStatistics,
		SkipSummaryOffsets:   o.DisableSummaryOffsets,
		SkipMessageIndexing:  o.DisableMessageIndexes,
		SkipChunkIndex:       o.DisableChunkIndexes,
		SkipAttachmentIndex:  o.DisableAttachmentIndexes,
		SkipMetadataIndex:    o.DisableMetadataIndexes,
		SkipRepeatedSchemas:  o.DisableRepeatedSchemas,
		SkipRepeatedChannelInfos: o.DisableRepeatedChannels,
	}
}
