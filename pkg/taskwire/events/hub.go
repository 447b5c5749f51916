// Package events fans connectivity and workflow events out to viewers.
// Delivery is best-effort: a subscriber whose buffer is full misses events
// rather than slowing the publisher down. The last QR code is replayed to
// late subscribers until pairing moves on.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	Initializing  = "initializing"
	QR            = "qr"
	Ready         = "ready"
	Disconnected  = "disconnected"
	StateChange   = "state-change"
	Disabled      = "disabled"
	Error         = "error"
	Retry         = "retry"
	WorkCompleted = "work-completed"
)

// Publisher is implemented by anything that accepts viewer events.
type Publisher interface {
	Publish(name string, data any)
}

// Event is one message delivered to viewers.
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Name      string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub is an in-process fan-out of events.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextSub uint64
	lastQR  *Event

	seq     atomic.Uint64
	dropped atomic.Uint64
	bufSize int
	logger  *slog.Logger
}

// Subscription receives events until closed.
type Subscription struct {
	id   uint64
	ch   chan Event
	hub  *Hub
	once sync.Once
}

// NewHub creates a hub. bufSize is the per-subscriber buffer (default 64).
func NewHub(bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		logger:  logger.With("component", "events"),
	}
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(name string, data any) {
	ev := Event{
		ID:        uuid.NewString(),
		Seq:       h.seq.Add(1),
		Name:      name,
		Data:      data,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch name {
	case QR:
		cp := ev
		h.lastQR = &cp
	case Ready, Disconnected, Disabled, Error, Initializing:
		h.lastQR = nil
	}
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber buffer full, dropping event",
				"subscriber", s.id, "event", name)
		}
	}
}

// Subscribe registers a new subscriber. A pending QR code is delivered
// first.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	s := &Subscription{
		id:  h.nextSub,
		ch:  make(chan Event, h.bufSize),
		hub: h,
	}
	if h.lastQR != nil {
		s.ch <- *h.lastQR
	}
	h.subs[s.id] = s
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was too slow.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
