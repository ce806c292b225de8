package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is disabled until Init is called.
var Log = zerolog.Nop()

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Field attaches one key/value pair to a log event.
type Field func(e *zerolog.Event)

func Init(level string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}

	Log = zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch Level(strings.ToLower(level)) {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Debug(msg string, fields ...Field) {
	emit(Log.Debug(), msg, fields)
}

func Info(msg string, fields ...Field) {
	emit(Log.Info(), msg, fields)
}

func Warn(msg string, fields ...Field) {
	emit(Log.Warn(), msg, fields)
}

func Error(msg string, fields ...Field) {
	emit(Log.Error(), msg, fields)
}

func emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func Err(err error) Field {
	return func(e *zerolog.Event) { e.Err(err) }
}

func String(key, value string) Field {
	return func(e *zerolog.Event) { e.Str(key, value) }
}

func Int(key string, value int) Field {
	return func(e *zerolog.Event) { e.Int(key, value) }
}

func Int64(key string, value int64) Field {
	return func(e *zerolog.Event) { e.Int64(key, value) }
}

func Uint64(key string, value uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(key, value) }
}

func Bool(key string, value bool) Field {
	return func(e *zerolog.Event) { e.Bool(key, value) }
}

func Duration(key string, value time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(key, value) }
}

func Any(key string, value any) Field {
	return func(e *zerolog.Event) { e.Interface(key, value) }
}
