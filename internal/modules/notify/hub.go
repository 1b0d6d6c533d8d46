// README: In-process hub delivering envelopes to live subscriptions keyed by recipient.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"courierhub/internal/metrics"
	"courierhub/internal/types"
)

const defaultBuffer = 32

type Hub struct {
	buffer int
	log    *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	closed bool
	subs   map[types.ID]map[uint64]chan Envelope
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer: buffer,
		log:    logger.With("component", "notify.hub"),
		subs:   make(map[types.ID]map[uint64]chan Envelope),
	}
}

type Subscription struct {
	C <-chan Envelope

	hub       *Hub
	recipient types.ID
	id        uint64
	once      sync.Once
}

// Subscribe registers a new subscription. Callers must Close it when the client goes away.
func (h *Hub) Subscribe(recipient types.ID) *Subscription {
	ch := make(chan Envelope, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return &Subscription{C: ch, hub: h, recipient: recipient}
	}
	h.nextID++
	id := h.nextID
	if h.subs[recipient] == nil {
		h.subs[recipient] = make(map[uint64]chan Envelope)
	}
	h.subs[recipient][id] = ch
	h.mu.Unlock()

	return &Subscription{C: ch, hub: h, recipient: recipient, id: id}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[s.recipient]
		if ch, ok := subs[s.id]; ok {
			delete(subs, s.id)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.subs, s.recipient)
		}
	})
}

// Publish never blocks: a subscription whose buffer is full misses the envelope.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[env.RecipientID] {
		select {
		case ch <- env:
		default:
			metrics.NotificationsDroppedTotal.Inc()
			h.log.Warn("subscriber buffer full, dropping envelope",
				"recipient_id", env.RecipientID, "subscription", id, "event_type", env.EventType)
		}
	}
	return nil
}

func (h *Hub) Subscribers(recipient types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[recipient])
}

// Close ends every live subscription so streaming handlers return during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for recipient, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, recipient)
	}
}
