// Package logger defines the structured-logging seam used across the
// streaming engine. The interface matches the teacher's
// (Debugf/Infof/Warnf/Errorf); the backing implementation is zerolog,
// matching the rest of the retrieval pack's service stacks.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured-logging interface every engine component codes
// against. format/v follow fmt.Sprintf conventions, matching the teacher's
// printf-style call sites throughout session/downloader/cache.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})

	// With returns a derived Logger with an additional structured field,
	// used to tag log lines with the representation/period/channel they
	// concern without threading string prefixes through format strings.
	With(key, value string) Logger
}

// ZerologLogger wraps zerolog.Logger behind the Logger interface.
type ZerologLogger struct {
	zl zerolog.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// New creates a Logger at the given level ("debug", "info", "warn",
// "error"), writing JSON lines to w. A nil w defaults to os.Stdout.
func New(level string, w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl := parseLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{zl: zl}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZerologLogger) Debugf(format string, v ...interface{}) { l.zl.Debug().Msgf(format, v...) }
func (l *ZerologLogger) Infof(format string, v ...interface{})  { l.zl.Info().Msgf(format, v...) }
func (l *ZerologLogger) Warnf(format string, v ...interface{})  { l.zl.Warn().Msgf(format, v...) }
func (l *ZerologLogger) Errorf(format string, v ...interface{}) { l.zl.Error().Msgf(format, v...) }

func (l *ZerologLogger) With(key, value string) Logger {
	return &ZerologLogger{zl: l.zl.With().Str(key, value).Logger()}
}

// Noop returns a Logger that discards everything; used by tests that don't
// care about log output.
func Noop() Logger {
	return &ZerologLogger{zl: zerolog.New(io.Discard)}
}
