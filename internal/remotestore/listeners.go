package remotestore

import "sync"

// SessionListeners tracks session handlers for an Auth client.
type SessionListeners struct {
	mu       sync.Mutex
	handlers map[int]SessionHandler
	next     int
}

// Add registers handler until the returned subscription is released.
func (l *SessionListeners) Add(handler SessionHandler) Subscription {
	l.mu.Lock()
	if l.handlers == nil {
		l.handlers = make(map[int]SessionHandler)
	}
	id := l.next
	l.next++
	l.handlers[id] = handler
	l.mu.Unlock()

	return NewHandle(func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	})
}

// Notify calls every handler with its own copy of session.
func (l *SessionListeners) Notify(event SessionEvent, session *Session) {
	l.mu.Lock()
	handlers := make([]SessionHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		if session == nil {
			h(event, nil)
			continue
		}
		s := *session
		h(event, &s)
	}
}
