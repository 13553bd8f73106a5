// Package notify carries one-way status events from the send core to whoever
// is watching. Delivery is best effort: nobody listening is not an error.
package notify

import (
	"sync"
	"time"
)

const (
	EventStatus        = "updateStatus"
	EventLog           = "log"
	EventRemaining     = "updateRemaining"
	EventComplete      = "sendingComplete"
	EventFailedUpdated = "failedEmailsUpdated"
)

type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

type StatusPayload struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
}

type LogPayload struct {
	Text string  `json:"text"`
	Type LogType `json:"type"`
}

type RemainingPayload struct {
	Remaining int `json:"remaining"`
}

type FailedCountPayload struct {
	Count int `json:"count"`
}

type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Notifier must never block the caller.
type Notifier interface {
	Notify(name string, payload any)
}

type Nop struct{}

func (Nop) Notify(string, any) {}

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

var _ Notifier = (*Hub)(nil)

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan Event), buffer: buffer}
}

func (h *Hub) Notify(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Recorder keeps every event; used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload, At: time.Now()})
	r.mu.Unlock()
}

func (r *Recorder) Events(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if name == "" || ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
