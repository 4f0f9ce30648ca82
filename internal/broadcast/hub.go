// Package broadcast fans price ticks out to every connected viewer.
package broadcast

import (
	"log/slog"
	"sync"

	"coinsim/internal/event"
)

// Conn is a duplex viewer channel.
// Done is closed once the connection is gone (peer close or transport error).
type Conn interface {
	Send(msg []byte) error
	Close() error
	Done() <-chan struct{}
}

// Observer receives hub outcomes (metrics hook)
type Observer interface {
	ViewersChanged(n int)
	BroadcastSent(n int)
	BroadcastDropped()
}

// Hub holds the set of live viewer connections.
// Delivery is best-effort and at-most-once: a viewer whose send fails is dropped.
type Hub struct {
	mu     sync.RWMutex
	conns  map[Conn]struct{}
	closed bool
	obs    Observer
	logger *slog.Logger
}

// NewHub creates an empty hub
func NewHub(obs Observer) *Hub {
	return &Hub{
		conns:  make(map[Conn]struct{}),
		obs:    obs,
		logger: slog.Default().With("module", "broadcast"),
	}
}

// Register adds a connection and unregisters it when its Done channel closes.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	h.viewersChanged(n)

	go func() {
		<-c.Done()
		h.Unregister(c)
	}()
}

// Unregister removes a connection. Unknown connections are ignored.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		c.Close()
		h.viewersChanged(n)
	}
}

// Publish serializes ev once and sends it to every registered connection.
// Failed connections are unregistered; no error is returned to the caller.
func (h *Hub) Publish(ev any) {
	msg, err := event.Encode(ev)
	if err != nil {
		h.logger.Error("Failed to encode broadcast event", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Debug("Dropping viewer after failed send", slog.Any("error", err))
			h.Unregister(c)
			if h.obs != nil {
				h.obs.BroadcastDropped()
			}
			continue
		}
		sent++
	}

	if h.obs != nil {
		h.obs.BroadcastSent(sent)
	}
}

// Len returns the number of registered connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every viewer and rejects further registrations
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[Conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	h.viewersChanged(0)
}

func (h *Hub) viewersChanged(n int) {
	if h.obs != nil {
		h.obs.ViewersChanged(n)
	}
}
