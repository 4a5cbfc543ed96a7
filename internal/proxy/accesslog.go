package proxy

import (
	"io"

	"github.com/rs/zerolog"
)

// NewAccessLog returns a JSON line logger for request records.
func NewAccessLog(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("component", "access").Logger()
}
