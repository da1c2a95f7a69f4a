package log

import (
	"testing"
)

type testingLogger struct {
	t       *testing.T
	keyvals []interface{}
}

var _ Logger = (*testingLogger)(nil)

// TestingLogger returns a logger that writes through t.Log, so output is
// shown only for failing tests or with -v.
func TestingLogger(t *testing.T) Logger {
	return &testingLogger{t: t}
}

func (l *testingLogger) log(level, msg string, keyvals []interface{}) {
	l.t.Helper()
	args := make([]interface{}, 0, 2+len(l.keyvals)+len(keyvals))
	args = append(args, level, msg)
	args = append(args, l.keyvals...)
	args = append(args, keyvals...)
	l.t.Log(args...)
}

func (l *testingLogger) Debug(msg string, keyvals ...interface{}) {
	l.t.Helper()
	l.log("DEBUG", msg, keyvals)
}

func (l *testingLogger) Info(msg string, keyvals ...interface{}) {
	l.t.Helper()
	l.log("INFO", msg, keyvals)
}

func (l *testingLogger) Error(msg string, keyvals ...interface{}) {
	l.t.Helper()
	l.log("ERROR", msg, keyvals)
}

func (l *testingLogger) With(keyvals ...interface{}) Logger {
	return &testingLogger{t: l.t, keyvals: append(append([]interface{}{}, l.keyvals...), keyvals...)}
}
