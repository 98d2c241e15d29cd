/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ssgreg/logf"
	"github.com/ssgreg/logftext"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field carries one key/value pair of a log entry.
type Field = logf.Field

// CloseFunc flushes buffered entries and closes the underlying writer.
type CloseFunc logf.ChannelWriterCloseFunc

// LogFunc writes a message at the level it was bound to.
//nolint:revive
type LogFunc = logf.LogFunc

// Field constructors for the supported value types.
// All of them are thin aliases of their logf counterparts.
var (
	// Error returns a new Field holding an error under the "error" key.
	Error = logf.Error

	// NamedError returns a new Field holding an error under the given key.
	NamedError = logf.NamedError

	// String returns a new Field holding a string.
	String = logf.String

	// Strings returns a new Field holding a slice of strings.
	Strings = logf.Strings

	// Int returns a new Field holding an int.
	Int = logf.Int

	// Int64 returns a new Field holding an int64.
	Int64 = logf.Int64

	// Uint64 returns a new Field holding a uint64.
	Uint64 = logf.Uint64

	// Float64 returns a new Field holding a float64.
	Float64 = logf.Float64

	// Duration returns a new Field holding a time.Duration.
	Duration = logf.Duration

	// Bool returns a new Field holding a bool.
	Bool = logf.Bool

	// Time returns a new Field holding a time.Time.
	Time = logf.Time

	// Any returns a new Field holding a value of any type,
	// represented in the best way logf can choose for it.
	Any = logf.Any
)

// DurationIn returns a new Field keyed "duration" whose value is the passed
// duration converted to the given unit (as int64).
func DurationIn(val, unit time.Duration) Field {
	return Int64("duration", val.Nanoseconds()/unit.Nanoseconds())
}

// FieldLogger is a logger writing entries in a structured format.
type FieldLogger interface {
	With(...Field) FieldLogger

	Debug(string, ...Field)
	Info(string, ...Field)
	Warn(string, ...Field)
	Error(string, ...Field)

	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})

	AtLevel(Level, func(LogFunc))
	WithLevel(level Level) FieldLogger
}

// LogfAdapter exposes a logf.Logger through the FieldLogger interface.
type LogfAdapter struct {
	Logger *logf.Logger
}

// NewDisabledLogger returns a logger that discards everything.
func NewDisabledLogger() FieldLogger {
	return &LogfAdapter{logf.NewDisabledLogger()}
}

// NewLogger returns a logger built from the passed configuration
// along with a function that flushes and closes the underlying writer.
// Every message gets a "pid" field with the current process ID.
func NewLogger(cfg *Config) (FieldLogger, CloseFunc) {
	writer, closeWriter := logf.NewChannelWriter(logf.ChannelWriterConfig{
		Appender:          newAppender(cfg),
		EnableSyncOnError: true,
	})
	logfLogger := logf.NewLogger(logfLevel(cfg.Level), writer).With(logf.Int("pid", os.Getpid()))
	if cfg.AddCaller {
		// Skip one stack frame so that the caller of the logging method is reported,
		// not the adapter method itself.
		logfLogger = logfLogger.WithCaller().WithCallerSkip(1)
	}
	return &LogfAdapter{logfLogger}, CloseFunc(closeWriter)
}

// With returns a logger that attaches the passed fields to every entry.
func (l *LogfAdapter) With(fs ...Field) FieldLogger {
	return &LogfAdapter{l.Logger.With(fs...)}
}

// Debug writes the message at "debug" level.
func (l *LogfAdapter) Debug(s string, fields ...Field) {
	l.Logger.Debug(s, fields...)
}

// Info writes the message at "info" level.
func (l *LogfAdapter) Info(s string, fields ...Field) {
	l.Logger.Info(s, fields...)
}

// Warn writes the message at "warn" level.
func (l *LogfAdapter) Warn(s string, fields ...Field) {
	l.Logger.Warn(s, fields...)
}

// Error writes the message at "error" level.
func (l *LogfAdapter) Error(s string, fields ...Field) {
	l.Logger.Error(s, fields...)
}

// Debugf writes the Printf-style formatted message at "debug" level.
func (l *LogfAdapter) Debugf(format string, args ...interface{}) {
	l.logFormatted(LevelDebug, format, args...)
}

// Infof writes the Printf-style formatted message at "info" level.
func (l *LogfAdapter) Infof(format string, args ...interface{}) {
	l.logFormatted(LevelInfo, format, args...)
}

// Warnf writes the Printf-style formatted message at "warn" level.
func (l *LogfAdapter) Warnf(format string, args ...interface{}) {
	l.logFormatted(LevelWarn, format, args...)
}

// Errorf writes the Printf-style formatted message at "error" level.
func (l *LogfAdapter) Errorf(format string, args ...interface{}) {
	l.logFormatted(LevelError, format, args...)
}

func (l *LogfAdapter) logFormatted(level Level, format string, args ...interface{}) {
	l.AtLevel(level, func(logFunc LogFunc) {
		logFunc(fmt.Sprintf(format, args...))
	})
}

// AtLevel calls fn only when the passed level is enabled,
// handing it a LogFunc bound to that level.
func (l *LogfAdapter) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.Logger.AtLevel(logfLevel(level), fn)
}

// WithLevel returns a logger with an additional level restriction.
// A message passes only when it satisfies both the given level and the one
// set previously, so the restriction can only get stricter.
func (l *LogfAdapter) WithLevel(level Level) FieldLogger {
	return &LogfAdapter{Logger: l.Logger.WithLevel(logfLevel(level))}
}

var logfLevels = map[Level]logf.Level{
	LevelError: logf.LevelError,
	LevelWarn:  logf.LevelWarn,
	LevelInfo:  logf.LevelInfo,
	LevelDebug: logf.LevelDebug,
}

func logfLevel(value Level) logf.Level {
	if lv, ok := logfLevels[value]; ok {
		return lv
	}
	return logf.LevelInfo
}

func newAppender(cfg *Config) logf.Appender {
	switch cfg.Output {
	case OutputFile:
		return newAppenderTo(cfg, newRotatedFileWriter(cfg))
	case OutputStderr:
		return newAppenderTo(cfg, os.Stderr)
	default:
		return newAppenderTo(cfg, os.Stdout)
	}
}

func newRotatedFileWriter(cfg *Config) io.Writer {
	rot := cfg.File.Rotation
	return &lumberjack.Logger{
		Filename:   expandPathPlaceholders(cfg.File.Path),
		MaxSize:    int(rot.MaxSize / 1024 / 1024),
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
		LocalTime:  rot.LocalTimeInNames,
	}
}

func newAppenderTo(cfg *Config, w io.Writer) logf.Appender {
	encodeError := newErrorEncoder(cfg)

	if cfg.Format == FormatText {
		noColor := cfg.NoColor
		return logftext.NewAppender(w, logftext.EncoderConfig{
			NoColor:     &noColor,
			EncodeTime:  logf.RFC3339NanoTimeEncoder,
			EncodeError: encodeError,
		})
	}

	return logf.NewWriteAppender(w, logf.NewJSONEncoder(logf.JSONEncoderConfig{
		FieldKeyTime: "time",
		EncodeTime:   logf.RFC3339NanoTimeEncoder,
		EncodeError:  encodeError,
	}))
}

func newErrorEncoder(cfg *Config) logf.ErrorEncoder {
	if cfg.Error.VerboseSuffix == "" && !cfg.Error.NoVerbose {
		return nil
	}
	return logf.NewErrorEncoder(logf.ErrorEncoderConfig{
		NoVerboseField:     cfg.Error.NoVerbose,
		VerboseFieldSuffix: cfg.Error.VerboseSuffix,
	})
}

// expandPathPlaceholders substitutes {{starttime}} and {{pid}} in the log file path,
// so that concurrently running processes may write to distinct files.
func expandPathPlaceholders(filePath string) string {
	return strings.NewReplacer(
		"{{starttime}}", time.Now().Format("200601021504"),
		"{{pid}}", strconv.Itoa(os.Getpid()),
	).Replace(filePath)
}
