// Package broadcast is the bounded pub-sub channel between the tick
// driver / proxy and the TCP connection handlers. Producers never block
// on a slow consumer: a full subscriber loses its backlog and gets a
// lag signal instead, which the connection handler resolves by sending
// a fresh snapshot.
package broadcast

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/ehrlich-b/sightline/internal/wire"
)

// DefaultCapacity is the per-subscriber buffer size.
const DefaultCapacity = 256

// ErrLagged is returned by Recv after a subscriber's backlog was
// discarded. The caller should resynchronize with a fresh snapshot.
var ErrLagged = errors.New("broadcast: subscriber lagged, backlog dropped")

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("broadcast: subscription closed")

// Line is one published ndJSON line plus the routing metadata the
// per-connection filters match on.
type Line struct {
	SessionID   string
	SessionMode wire.SessionMode
	// Payload is the serialized message including the trailing newline.
	Payload []byte
}

// Hub fans published lines out to any number of subscribers.
type Hub struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
}

// NewHub creates a hub with the given per-subscriber capacity
// (DefaultCapacity if zero or negative).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Publish delivers the line to every subscriber without blocking.
// A subscriber with a full buffer has its backlog discarded and is
// marked lagged. Returns the number of subscribers reached (lagged
// ones count — they will resync). Zero subscribers is not an error.
func (h *Hub) Publish(line Line) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for sub := range h.subs {
		n++
		select {
		case sub.ch <- line:
			continue
		default:
		}
		// Buffer full: drop the backlog, flag the lag, then queue the
		// newest line so the subscriber resumes from it after resync.
		sub.drain()
		sub.mu.Lock()
		sub.lagged = true
		sub.mu.Unlock()
		select {
		case sub.ch <- line:
		default:
		}
	}
	return n
}

// PublishJSON serializes v as one ndJSON line and publishes it.
func (h *Hub) PublishJSON(sessionID string, mode wire.SessionMode, v any) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return h.Publish(Line{
		SessionID:   sessionID,
		SessionMode: mode,
		Payload:     append(raw, '\n'),
	}), nil
}

// Subscribe registers a new subscriber starting from the next publish.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		hub: h,
		ch:  make(chan Line, h.capacity),
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Subscription is one subscriber's handle.
type Subscription struct {
	hub *Hub
	ch  chan Line

	mu     sync.Mutex
	lagged bool
	closed bool
}

// Recv blocks for the next line. It returns ErrLagged once after a
// backlog drop (buffered lines survive and follow on later calls), and
// ErrClosed after Close.
func (s *Subscription) Recv() (Line, error) {
	s.mu.Lock()
	if s.lagged {
		s.lagged = false
		s.mu.Unlock()
		return Line{}, ErrLagged
	}
	if s.closed && len(s.ch) == 0 {
		s.mu.Unlock()
		return Line{}, ErrClosed
	}
	s.mu.Unlock()

	line, ok := <-s.ch
	if !ok {
		return Line{}, ErrClosed
	}
	return line, nil
}

// Close unregisters the subscriber and wakes any blocked Recv.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	_, registered := s.hub.subs[s]
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if registered {
			close(s.ch)
		}
	}
}

func (s *Subscription) drain() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}
