package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout tagged with component.
// Verbosity is the process-wide level, see SetLevel.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component)
}

func newLogger(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// SetLevel sets the process-wide log level.
func SetLevel(s string) {
	zerolog.SetGlobalLevel(ParseLogLevel(s))
}

// ParseLogLevel maps a config string to a zerolog level (info on unknown).
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetLevel(os.Getenv("FUNDING_LOG_LEVEL"))
}
