package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Packages derive child loggers from it
// with WithComponent or WithJobID after Init has run.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a textual log level as accepted in configuration files.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a free-form level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return WarnLevel
	}
	if _, ok := zerologLevels[l]; ok {
		return l
	}
	return InfoLevel
}

// Init replaces the global logger. Console output is used unless
// JSONOutput is set.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// SetWorkerID stamps every subsequent log line with the registered worker id.
// Child loggers created before the call are unaffected.
func SetWorkerID(workerID string) {
	Logger = Logger.With().Str("worker_id", workerID).Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID creates a child logger with processing_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("processing_id", jobID).Logger()
}
