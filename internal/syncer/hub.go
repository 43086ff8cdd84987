package syncer

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventStarted    EventKind = "started"
	EventFolderDone EventKind = "folder_done"
	EventCompleted  EventKind = "completed"
	EventSkipped    EventKind = "skipped"
	EventFailed     EventKind = "failed"
)

// Event reports sync progress to subscribers of a principal.
type Event struct {
	Kind      EventKind
	Principal string
	Folder    string
	Result    *FolderResult
	Report    *Report
	Err       error
	At        time.Time
}

const defaultEventBuffer = 32

// Hub fans progress events out to per-principal subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a channel of events for principal and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(principal string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[principal] == nil {
		h.subs[principal] = make(map[int]chan Event)
	}
	h.subs[principal][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[principal], id)
			if len(h.subs[principal]) == 0 {
				delete(h.subs, principal)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to the subscribers of ev.Principal. It returns the
// number of subscribers that received it.
func (h *Hub) Publish(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, ch := range h.subs[ev.Principal] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}
