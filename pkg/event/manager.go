package event

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives events.
type Listener interface {
	Accept(e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(e Event)

// Accept implements Listener.
func (f ListenerFunc) Accept(e Event) { f(e) }

// Manager dispatches events synchronously, in registration order, on the
// goroutine that fires them. A panicking listener is logged and skipped.
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *logrus.Entry
}

// NewManager creates a manager with optional initial listeners.
func NewManager(log *logrus.Entry, listeners ...Listener) *Manager {
	m := &Manager{log: log}
	for _, l := range listeners {
		m.Add(l)
	}
	return m
}

// Add registers l. Nil listeners are ignored.
func (m *Manager) Add(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Len returns the number of registered listeners.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// Fire delivers e to every listener.
func (m *Manager) Fire(e Event) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		m.deliver(l, e)
	}
}

func (m *Manager) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{
				"event":       e.Name,
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC in event listener")
		}
	}()
	l.Accept(e)
}
