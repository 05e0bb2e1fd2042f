package telemetry

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// log is the package-level structured logger: JSON to stderr by default,
// with a "component" field identifying the emitting subsystem. It is
// process-wide since RawChannel and Context have no per-instance config to
// carry a logger through; SetLogger lets an embedding application redirect
// it.
var log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "telemetry").Logger()

// SetLogger replaces the package-level logger used for throttled warnings
// and errors on the fan-out path. Call once at startup; it is not
// safe to call concurrently with logging activity.
func SetLogger(l zerolog.Logger) {
	log = l
}

func logEvent() *zerolog.Event {
	return log.Warn()
}

func topicKey(id ChannelId) string {
	return strconv.FormatUint(uint64(id), 10)
}
