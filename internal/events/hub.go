// Package events is an in-process notification hub. The command controller
// and the chat pipeline publish lifecycle notices here; the API streams them
// to clients over SSE and the terminal client renders them.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Notice types published by the core.
const (
	PassStarted   = "pass.started"
	PassFinished  = "pass.finished"
	PluginFailed  = "plugin.failed"
	TurnCompleted = "turn.completed"
	StopRequested = "stop.requested"
)

// Notice is one published notification.
type Notice struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(noticeType string, data any)
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can
// catch up.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Notice
	start int
	size  int

	subs      map[int]chan Notice
	nextSubID int
}

// NewHub creates a hub that retains the last capacity notices.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Notice, capacity),
		subs: make(map[int]chan Notice),
	}
}

// Publish records a notice and fans it out. Subscribers that are not keeping
// up miss it; Publish never blocks.
func (h *Hub) Publish(noticeType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	n := Notice{
		ID:   h.nextID.Add(1),
		Type: noticeType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(n)
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a channel of new notices and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Notice, 128)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Since returns buffered notices with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notice, 0, h.size)
	for i := range h.size {
		n := h.ring[(h.start+i)%len(h.ring)]
		if n.ID > lastID {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) pushLocked(n Notice) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = n
		h.size++
		return
	}
	h.ring[h.start] = n
	h.start = (h.start + 1) % capacity
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}
