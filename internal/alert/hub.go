// Package alert holds transient user-facing messages: toasts for identity and
// write failures and the status-change pop-ups raised by notifications.
package alert

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an alert
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Alert is one transient message
type Alert struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title,omitempty"`
	Message     string    `json:"message"`
	ComplaintID string    `json:"complaint_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// VisibleTo reports whether a caller may see the alert. Alerts without an
// owner are operational and shown to admins only.
func (a Alert) VisibleTo(userID string, admin bool) bool {
	return admin || (a.UserID != "" && a.UserID == userID)
}

// EventType describes what happened to an alert
type EventType string

const (
	EventShown     EventType = "shown"
	EventDismissed EventType = "dismissed"
	EventExpired   EventType = "expired"
)

// Event is delivered to subscribers
type Event struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
}

const subscriberBuffer = 64

// Hub keeps the active alerts and fans out their lifecycle.
type Hub struct {
	duration time.Duration
	now      func() time.Time
	seq      atomic.Int64

	mu     sync.Mutex
	active map[string]*entry
	order  []string
	subs   map[int]chan Event
	nextID int
}

type entry struct {
	alert Alert
	timer *time.Timer
}

// NewHub creates a hub whose alerts expire after duration.
func NewHub(duration time.Duration) *Hub {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return &Hub{
		duration: duration,
		now:      time.Now,
		active:   make(map[string]*entry),
		subs:     make(map[int]chan Event),
	}
}

// Push shows an alert until it is dismissed or expires.
func (h *Hub) Push(a Alert) Alert {
	now := h.now()
	a.ID = fmt.Sprintf("alert-%d-%d", now.UnixMilli(), h.seq.Add(1))
	a.CreatedAt = now
	a.ExpiresAt = now.Add(h.duration)

	id := a.ID
	e := &entry{alert: a}

	h.mu.Lock()
	h.active[id] = e
	h.order = append(h.order, id)
	e.timer = time.AfterFunc(h.duration, func() { h.remove(id, EventExpired) })
	h.broadcastLocked(Event{Type: EventShown, Alert: a})
	h.mu.Unlock()

	return a
}

// Success shows a success toast
func (h *Hub) Success(message string) Alert {
	return h.Push(Alert{Kind: KindSuccess, Message: message})
}

// Error shows an error toast
func (h *Hub) Error(message string) Alert {
	return h.Push(Alert{Kind: KindError, Message: message})
}

// Dismiss removes an alert before it expires.
func (h *Hub) Dismiss(id string) bool {
	return h.remove(id, EventDismissed)
}

func (h *Hub) remove(id string, reason EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.active[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(h.active, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.broadcastLocked(Event{Type: reason, Alert: e.alert})
	return true
}

// Get returns an active alert by ID
func (h *Hub) Get(id string) (Alert, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.active[id]
	if !ok {
		return Alert{}, false
	}
	return e.alert, true
}

// Active returns the alerts currently shown, oldest first.
func (h *Hub) Active() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.active[id].alert)
	}
	return out
}

// Subscribe returns a channel of alert events and a cancel function. Events
// are dropped for a subscriber whose buffer is full.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) broadcastLocked(ev Event) {
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops all expiry timers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.active {
		e.timer.Stop()
	}
}
