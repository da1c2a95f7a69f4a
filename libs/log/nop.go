package log

type nopLogger struct{}

var _ Logger = (*nopLogger)(nil)

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger { return &nopLogger{} }

func (nopLogger) Debug(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})   {}
func (nopLogger) Error(string, ...interface{})  {}
func (l *nopLogger) With(...interface{}) Logger { return l }
