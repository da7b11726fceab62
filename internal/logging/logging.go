// Package logging provides the Core's trace sink: a thin, level-gated
// wrapper around logrus, in the spirit of go-ublk's internal/logging
// package but backed by a structured logger instead of the stdlib one so
// that per-command/per-channel fields attach cleanly.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink is the trace sink the Controller (spec.md §4.5.1) writes commands
// and diagnostics to, and the façade reads diagnostic text from (§7).
type Sink interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithChannel(channel int) Sink
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the default Sink implementation.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Config mirrors go-ublk/internal/logging.Config: a level and an output
// writer, defaulted sensibly.
type Config struct {
	Level  logrus.Level
	Output io.Writer
}

// DefaultConfig returns Info-level logging to stderr.
func DefaultConfig() Config {
	return Config{Level: logrus.InfoLevel, Output: os.Stderr}
}

// New builds a Logger from Config, defaulting unset fields.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(cfg.Output)
	l.SetLevel(cfg.Level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: logrus.NewEntry(l)}
}

// Default returns the process-wide default logger, created lazily.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New(DefaultConfig())
	})
	return defaultLog
}

func (l *Logger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.withFields(fields).Debug(msg) }
func (l *Logger) Info(msg string, fields ...Field)  { l.withFields(fields).Info(msg) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.withFields(fields).Warn(msg) }
func (l *Logger) Error(msg string, fields ...Field) { l.withFields(fields).Error(msg) }

// WithChannel returns a Sink that annotates every line with the channel
// index, used by the Client/Controller when addressing a specific core.
func (l *Logger) WithChannel(channel int) Sink {
	return &Logger{entry: l.entry.WithField("channel", channel)}
}

// Discard is a Sink that drops everything; useful in tests.
type discard struct{}

func (discard) Debug(string, ...Field)      {}
func (discard) Info(string, ...Field)       {}
func (discard) Warn(string, ...Field)       {}
func (discard) Error(string, ...Field)      {}
func (d discard) WithChannel(int) Sink      { return d }

// Discard returns a Sink that discards all output.
func Discard() Sink { return discard{} }
