package log

import (
	"io"

	kitlog "github.com/go-kit/kit/log"
	kitlevel "github.com/go-kit/kit/log/level"
)

const msgKey = "_msg" // "_" prefixed to avoid collisions

// Logger is what any bcst library should take.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})

	With(keyvals ...interface{}) Logger
}

type kvLogger struct {
	srcLogger kitlog.Logger
}

var _ Logger = (*kvLogger)(nil)

// NewLogger returns a logger that encodes msg and keyvals to the writer in
// logfmt, with a timestamp. Default logging level is debug (no filtering);
// use WithLevel to restrict.
func NewLogger(w io.Writer) Logger {
	src := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	src = kitlog.With(src, "ts", kitlog.DefaultTimestampUTC)
	return &kvLogger{src}
}

// WithLevel returns a copy of the logger filtered to lvl: one of "debug",
// "info" or "error".
func WithLevel(logger Logger, lvl string) Logger {
	l, ok := logger.(*kvLogger)
	if !ok {
		return logger
	}
	switch lvl {
	case "debug":
		return &kvLogger{kitlevel.NewFilter(l.srcLogger, kitlevel.AllowDebug())}
	case "info":
		return &kvLogger{kitlevel.NewFilter(l.srcLogger, kitlevel.AllowInfo())}
	case "error":
		return &kvLogger{kitlevel.NewFilter(l.srcLogger, kitlevel.AllowError())}
	default:
		return logger
	}
}

func (l *kvLogger) Debug(msg string, keyvals ...interface{}) {
	_ = kitlog.With(kitlevel.Debug(l.srcLogger), msgKey, msg).Log(keyvals...)
}

func (l *kvLogger) Info(msg string, keyvals ...interface{}) {
	_ = kitlog.With(kitlevel.Info(l.srcLogger), msgKey, msg).Log(keyvals...)
}

func (l *kvLogger) Error(msg string, keyvals ...interface{}) {
	_ = kitlog.With(kitlevel.Error(l.srcLogger), msgKey, msg).Log(keyvals...)
}

func (l *kvLogger) With(keyvals ...interface{}) Logger {
	return &kvLogger{kitlog.With(l.srcLogger, keyvals...)}
}
