package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with campaign-engine helpers.
type Logger struct {
	zerolog.Logger
}

// New creates a Logger. format "text" or "console" gives human-readable output,
// anything else JSON.
func New(level string, format string) *Logger {
	return newWithWriter(level, format, os.Stdout)
}

func newWithWriter(level, format string, w io.Writer) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = w
	if format == "text" || format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &Logger{Logger: l}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithComponent returns a child logger tagged with the component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

// WithCampaign returns a child logger tagged with the campaign id.
func (l *Logger) WithCampaign(campaignID int) *Logger {
	return &Logger{Logger: l.With().Int("campaign_id", campaignID).Logger()}
}

// HTTPRequest logs one served request.
func (l *Logger) HTTPRequest(method, path string, statusCode int, duration time.Duration) {
	l.Info().
		Str("method", method).
		Str("path", path).
		Int("status", statusCode).
		Dur("duration", duration).
		Msg("HTTP request")
}
