// README: Notification envelopes and the publisher contract shared by every fan-out sink.
package notify

import (
	"context"
	"time"

	"courierhub/internal/types"
)

type EventType string

const (
	EventOrderStatus    EventType = "order_status"
	EventOffer          EventType = "offer"
	EventAssigned       EventType = "assigned"
	EventOfferAccepted  EventType = "offer_accepted"
	EventOfferTaken     EventType = "offer_taken"
	EventOfferWithdrawn EventType = "offer_withdrawn"
	EventChatMessage    EventType = "chat_message"
)

const (
	CategoryOrder = "order"
	CategoryOffer = "offer"
	CategoryChat  = "chat"
)

// Envelope is a hint for the recipient to refetch the referenced order or chat.
// Payload fields are never authoritative.
type Envelope struct {
	ID          string    `json:"id"`
	RecipientID types.ID  `json:"recipient_id"`
	EventType   EventType `json:"event_type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Category    string    `json:"category"`
	OrderID     types.ID  `json:"order_id,omitempty"`
	ChatID      types.ID  `json:"chat_id,omitempty"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}
