package app

import (
	"sync"
	"time"
)

// Event methods published by the service.
const (
	EventSessionEstablished = "session.established"
	EventHandshakeFailed    = "handshake.failed"
	EventMessageReceived    = "message.received"
	EventFileReceived       = "file.received"
)

type Event struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

// Inbound is the payload of message.received and file.received events and of
// the OnMessage callback.
type Inbound struct {
	SenderID  string
	Plaintext []byte
	Filename  string // file events only
	Size      int64  // file events only
	Sequence  int64
	Timestamp int64
}

// SessionChange is the payload of session.established and handshake.failed
// events.
type SessionChange struct {
	PeerID string
	Reason string // handshake.failed only
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Hub fans service events out to subscribers and keeps a bounded replay
// history so a late subscriber can catch up from a sequence cursor.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (h *Hub) Publish(method string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: nowUTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	// A subscriber that cannot keep up is dropped rather than blocking the
	// receive path.
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}

	return event
}

func (h *Hub) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
