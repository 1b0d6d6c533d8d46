// README: Chat threads between an order's parties or a user and support.
package chat

import (
	"time"

	"courierhub/internal/types"
)

type Kind string

const (
	KindOrder   Kind = "order"
	KindSupport Kind = "support"
	KindDriver  Kind = "driver"
)

func (k Kind) Valid() bool {
	return k == KindOrder || k == KindSupport || k == KindDriver
}

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageFile     MessageKind = "file"
	MessageLocation MessageKind = "location"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageLocation:
		return true
	}
	return false
}

type Participant struct {
	UserID types.ID `json:"user_id"`
	Role   string   `json:"role"`
}

type Chat struct {
	ID             types.ID      `json:"id"`
	Kind           Kind          `json:"kind"`
	OrderID        types.ID      `json:"order_id,omitempty"`
	Status         Status        `json:"status"`
	Participants   []Participant `json:"participants"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (c *Chat) HasParticipant(id types.ID) bool {
	for _, p := range c.Participants {
		if p.UserID == id {
			return true
		}
	}
	return false
}

// Message is immutable once stored except for ReadAt, which moves from nil to a time exactly once.
type Message struct {
	ID         types.ID    `json:"id"`
	ChatID     types.ID    `json:"chat_id"`
	SenderID   types.ID    `json:"sender_id"`
	SenderRole string      `json:"sender_role"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
	ReadAt     *time.Time  `json:"read_at,omitempty"`
}
