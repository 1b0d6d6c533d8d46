// README: Chat service persists messages, tracks read state and notifies the other participants.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"courierhub/internal/metrics"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

var (
	ErrNotFound       = errors.New("chat not found")
	ErrBadRequest     = errors.New("bad request")
	ErrNotParticipant = errors.New("not a participant of this chat")
	ErrClosed         = errors.New("chat is closed")
)

const (
	maxContentLen       = 4000
	summaryLen          = 80
	defaultMessageLimit = 100
)

type Service struct {
	store Repository
	pub   notify.Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Repository, pub notify.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, pub: pub, log: logger.With("component", "chat"), now: time.Now}
}

type CreateCommand struct {
	Kind         Kind
	Participants []Participant
	OrderID      types.ID
}

type SendCommand struct {
	ChatID     types.ID
	SenderID   types.ID
	SenderRole string
	Content    string
	Kind       MessageKind
}

func (s *Service) CreateChat(ctx context.Context, cmd CreateCommand) (*Chat, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown chat kind %q", ErrBadRequest, cmd.Kind)
	}
	seen := make(map[types.ID]bool, len(cmd.Participants))
	participants := make([]Participant, 0, len(cmd.Participants))
	for _, p := range cmd.Participants {
		if p.UserID == "" || seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		participants = append(participants, p)
	}
	if len(participants) < 2 {
		return nil, fmt.Errorf("%w: a chat needs two participants", ErrBadRequest)
	}

	now := s.now()
	c := &Chat{
		ID:             types.ID(uuid.NewString()),
		Kind:           cmd.Kind,
		OrderID:        cmd.OrderID,
		Status:         StatusActive,
		Participants:   participants,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

// SendMessage stores the message and notifies every participant except the sender.
func (s *Service) SendMessage(ctx context.Context, cmd SendCommand) (*Message, error) {
	content := strings.TrimSpace(cmd.Content)
	if cmd.ChatID == "" || cmd.SenderID == "" || content == "" {
		return nil, ErrBadRequest
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, fmt.Errorf("%w: message too long", ErrBadRequest)
	}
	kind := cmd.Kind
	if kind == "" {
		kind = MessageText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrBadRequest, kind)
	}

	c, err := s.store.Get(ctx, cmd.ChatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(cmd.SenderID) {
		return nil, ErrNotParticipant
	}
	if c.Status == StatusClosed {
		return nil, ErrClosed
	}

	m := &Message{
		ID:         types.ID(uuid.NewString()),
		ChatID:     c.ID,
		SenderID:   cmd.SenderID,
		SenderRole: cmd.SenderRole,
		Content:    content,
		Kind:       kind,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.ChatMessagesTotal.Inc()

	env := notify.Envelope{
		EventType: notify.EventChatMessage,
		Title:     "New message",
		Body:      summarize(m),
		Category:  notify.CategoryChat,
		ChatID:    c.ID,
		OrderID:   c.OrderID,
		Summary:   summarize(m),
	}
	recipients := make([]types.ID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != cmd.SenderID {
			recipients = append(recipients, p.UserID)
		}
	}
	notify.PublishTo(ctx, s.pub, env, recipients...)
	return m, nil
}

// MarkRead stamps every unread message in the chat not written by the reader.
func (s *Service) MarkRead(ctx context.Context, chatID, readerID types.ID) (int, error) {
	if _, err := s.authorize(ctx, chatID, readerID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, chatID, readerID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, chatID, readerID types.ID) (int, error) {
	if _, err := s.authorize(ctx, chatID, readerID); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, chatID, readerID)
}

func (s *Service) Messages(ctx context.Context, chatID, readerID types.ID, limit int) ([]Message, error) {
	if _, err := s.authorize(ctx, chatID, readerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = defaultMessageLimit
	}
	return s.store.Messages(ctx, chatID, limit)
}

func (s *Service) Get(ctx context.Context, chatID, readerID types.ID) (*Chat, error) {
	return s.authorize(ctx, chatID, readerID)
}

func (s *Service) ForUser(ctx context.Context, userID types.ID) ([]*Chat, error) {
	return s.store.ForParticipant(ctx, userID)
}

// Close ends the conversation. Existing messages stay readable.
func (s *Service) Close(ctx context.Context, chatID, actorID types.ID) error {
	c, err := s.authorize(ctx, chatID, actorID)
	if err != nil {
		return err
	}
	if c.Status == StatusClosed {
		return nil
	}
	return s.store.SetStatus(ctx, chatID, StatusClosed)
}

func (s *Service) authorize(ctx context.Context, chatID, userID types.ID) (*Chat, error) {
	if chatID == "" || userID == "" {
		return nil, ErrBadRequest
	}
	c, err := s.store.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// OrderChanged opens the customer-courier chat when an order is assigned
// and closes the order's chat once it is delivered or cancelled.
func (s *Service) OrderChanged(ctx context.Context, prev, cur *order.Order) {
	switch {
	case cur.Status == order.StatusAssigned && cur.CourierID != nil && (prev == nil || prev.Status != order.StatusAssigned):
		if _, err := s.store.FindByOrder(ctx, cur.ID, KindOrder); err == nil {
			return
		}
		_, err := s.CreateChat(ctx, CreateCommand{
			Kind:    KindOrder,
			OrderID: cur.ID,
			Participants: []Participant{
				{UserID: cur.CustomerID, Role: string(order.RoleCustomer)},
				{UserID: *cur.CourierID, Role: string(order.RoleCourier)},
			},
		})
		if err != nil {
			s.log.Warn("open order chat", "order_id", cur.ID, "error", err)
		}
	case cur.Status.Terminal() && prev != nil && !prev.Status.Terminal():
		c, err := s.store.FindByOrder(ctx, cur.ID, KindOrder)
		if err != nil {
			return
		}
		if err := s.store.SetStatus(ctx, c.ID, StatusClosed); err != nil {
			s.log.Warn("close order chat", "order_id", cur.ID, "chat_id", c.ID, "error", err)
		}
	}
}

func summarize(m *Message) string {
	if m.Kind != MessageText {
		return "sent a " + string(m.Kind)
	}
	if utf8.RuneCountInString(m.Content) <= summaryLen {
		return m.Content
	}
	r := []rune(m.Content)
	return string(r[:summaryLen]) + "..."
}
