// Package logger hands out zerolog loggers tagged per component.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu          sync.RWMutex
	development = false
)

// GetLogger returns a logger tagged with the component name. In
// development mode output is human readable; otherwise structured JSON.
func GetLogger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if development {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(console).With().Timestamp().Str("component", component).Caller().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()
}

// SetDevelopment toggles human-readable console output.
func SetDevelopment(value bool) {
	mu.Lock()
	defer mu.Unlock()
	development = value
}

// SetLevel sets the global log level from a string, defaulting to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
