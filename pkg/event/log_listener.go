package event

import (
	"github.com/sirupsen/logrus"
)

// LogListener writes events to a logrus entry. Document events log at DEBUG,
// lifecycle events at INFO, and events carrying an error at WARN.
type LogListener struct {
	log *logrus.Entry
}

// NewLogListener creates a LogListener.
func NewLogListener(log *logrus.Entry) *LogListener {
	return &LogListener{log: log}
}

// Accept implements Listener.
func (l *LogListener) Accept(e Event) {
	fields := logrus.Fields{"event": e.Name}
	if id := e.SourceID(); id != "" {
		fields["source"] = id
	}
	if ref := e.Reference(); ref != "" {
		fields["ref"] = ref
	}
	entry := l.log.WithFields(fields)
	msg := e.Message
	if msg == "" {
		msg = e.Name
	}

	switch {
	case e.Err != nil:
		entry.WithError(e.Err).Warn(msg)
	case e.IsDocumentEvent():
		entry.Debug(msg)
	default:
		entry.Info(msg)
	}
}
