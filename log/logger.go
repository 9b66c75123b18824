package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabrelay/broker/config"
)

var (
	logger     zerolog.Logger
	loggerLock sync.RWMutex
)

func init() {
	cfg := config.Get()

	var output io.Writer
	if cfg.IsDevelopment() {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	} else {
		output = os.Stdout
	}

	level := zerolog.InfoLevel

	logger = zerolog.New(zerolog.MultiLevelWriter(output, tailWriter{})).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// SetLevel sets the global log level at runtime.
func SetLevel(levelStr string) {
	level := parseLogLevel(levelStr)
	loggerLock.Lock()
	logger = logger.Level(level)
	loggerLock.Unlock()
}

func parseLogLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug-level event.
func Debug() *zerolog.Event { return logger.Debug() }

// Info logs an info-level event.
func Info() *zerolog.Event { return logger.Info() }

// Warn logs a warning-level event.
func Warn() *zerolog.Event { return logger.Warn() }

// Error logs an error-level event.
func Error() *zerolog.Event { return logger.Error() }

// Fatal logs a fatal-level event and exits.
func Fatal() *zerolog.Event { return logger.Fatal() }

// Logger returns the underlying zerolog.Logger for integrations that
// need a *zerolog.Logger value directly (e.g. a library's logger hook).
func Logger() zerolog.Logger { return logger }
