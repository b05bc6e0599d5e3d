package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger creates the structured logger shared by all components. The
// service field identifies the emitting binary in aggregated logs.
func NewLogger(level string) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", "shopvault").
		Logger()

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	return logger.Level(parsed)
}
