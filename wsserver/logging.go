package wsserver

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package-level structured logger, scoped to the wsserver
// package rather than one running server instance; SetLogger redirects it.
var log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "wsserver").Logger()

// SetLogger replaces the package-level logger.
func SetLogger(l zerolog.Logger) {
	log = l
}
