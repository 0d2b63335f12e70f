package log

import "github.com/sirupsen/logrus"

// BadgerLogger implements badger.Logger on top of a logrus entry.
// Messages below MinLevel are dropped, which keeps badger's compaction and
// value-log chatter out of crawl logs unless explicitly requested.
type BadgerLogger struct {
	*logrus.Entry
	MinLevel logrus.Level
}

// NewBadgerLogger creates an adapter that forwards messages at or above minLevel.
func NewBadgerLogger(entry *logrus.Entry, minLevel logrus.Level) *BadgerLogger {
	return &BadgerLogger{Entry: entry, MinLevel: minLevel}
}

func (l *BadgerLogger) enabled(level logrus.Level) bool {
	// logrus orders levels from most to least severe
	return level <= l.MinLevel
}

// Errorf logs an error message
func (l *BadgerLogger) Errorf(f string, v ...interface{}) {
	if l.enabled(logrus.ErrorLevel) {
		l.Entry.Errorf(f, v...)
	}
}

// Warningf logs a warning message
func (l *BadgerLogger) Warningf(f string, v ...interface{}) {
	if l.enabled(logrus.WarnLevel) {
		l.Entry.Warningf(f, v...)
	}
}

// Infof logs an info message
func (l *BadgerLogger) Infof(f string, v ...interface{}) {
	if l.enabled(logrus.InfoLevel) {
		l.Entry.Infof(f, v...)
	}
}

// Debugf logs a debug message
func (l *BadgerLogger) Debugf(f string, v ...interface{}) {
	if l.enabled(logrus.DebugLevel) {
		l.Entry.Debugf(f, v...)
	}
}
