// Package log provides the scheduler's structured logging wrapper around zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once at startup by Init.
var Logger zerolog.Logger

// Level represents a configured log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithProviderID returns a child logger tagged with a provider id.
func WithProviderID(providerID string) zerolog.Logger {
	return Logger.With().Str("provider_id", providerID).Logger()
}

// WithPlanID returns a child logger tagged with a plan id.
func WithPlanID(planID string) zerolog.Logger {
	return Logger.With().Str("plan_id", planID).Logger()
}

// WithJobID returns a child logger tagged with a job id.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithWorkerID returns a child logger tagged with a worker id.
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

func init() {
	// Safe default so packages that log before cmd/scheduler calls Init
	// (notably in tests) still produce readable output.
	Init(Config{Level: InfoLevel})
}
