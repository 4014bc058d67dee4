package protocol

import "github.com/sirupsen/logrus"

// Logger is the logging interface the engine and its specializations use.
// Mirrors govmm's QMPLog: callers can supply their own implementation to
// fold the engine's logs into their own logging without pulling logrus into
// their import graph. NewDefaultLogger returns a logrus-backed one.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nullLogger discards everything; used when no Logger is configured.
type nullLogger struct{}

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Warnf(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}

// logrusLogger adapts a *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger returns a Logger backed by logrus, tagged with the given
// component name (e.g. "qmp", "qtest") so multi-protocol processes can tell
// the sessions apart in shared log output.
func NewDefaultLogger(component string) Logger {
	return &logrusLogger{entry: logrus.WithField("component", component)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
