// logger.go - Structured logging shared by the shieldpool binaries
//
// Records go to a console writer and, when configured, to a log file. Warn
// and above, plus explicit Audit events, are also written to the audit
// file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger with an audit sink.
type Logger struct {
	zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

// levelWriter forwards records at or above min.
type levelWriter struct {
	io.Writer
	min zerolog.Level
}

func (w levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < w.min {
		return len(p), nil
	}
	return w.Write(p)
}

// ParseLevel maps a config level name to a zerolog level, defaulting to
// info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger instance. Empty paths disable the file
// and audit sinks.
func NewLogger(level, logFile, auditFile string, console io.Writer) (*Logger, error) {
	l := &Logger{audit: zerolog.Nop()}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}}

	if logFile != "" {
		f, err := openAppend(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}
	if auditFile != "" {
		f, err := openAppend(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, levelWriter{Writer: f, min: zerolog.WarnLevel})
		l.audit = zerolog.New(f).With().Timestamp().Str("kind", "audit").Logger()
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(level)).
		With().Timestamp().Logger()
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Audit logs an audit event
func (l *Logger) Audit(event string, fields map[string]any) {
	l.audit.Log().Str("event", event).Fields(fields).Send()
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}
