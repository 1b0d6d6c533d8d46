// README: Chat store on gorm over the chats, chat_participants and chat_messages tables.
package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"courierhub/internal/types"
)

type Repository interface {
	Create(ctx context.Context, c *Chat) error
	Get(ctx context.Context, id types.ID) (*Chat, error)
	FindByOrder(ctx context.Context, orderID types.ID, kind Kind) (*Chat, error)
	ForParticipant(ctx context.Context, userID types.ID) ([]*Chat, error)
	SetStatus(ctx context.Context, id types.ID, status Status) error
	AppendMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, chatID types.ID, limit int) ([]Message, error)
	MarkRead(ctx context.Context, chatID, readerID types.ID, at time.Time) (int, error)
	UnreadCount(ctx context.Context, chatID, readerID types.ID) (int, error)
}

type chatDTO struct {
	ID             string `gorm:"primaryKey"`
	Kind           string
	OrderID        *string
	Status         string
	LastActivityAt time.Time
	CreatedAt      time.Time
	Participants   []participantDTO `gorm:"foreignKey:ChatID"`
}

func (chatDTO) TableName() string {
	return "chats"
}

type participantDTO struct {
	ChatID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey"`
	Role   string
}

func (participantDTO) TableName() string {
	return "chat_participants"
}

type messageDTO struct {
	ID         string `gorm:"primaryKey"`
	ChatID     string `gorm:"index"`
	SenderID   string
	SenderRole string
	Content    string
	Kind       string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

func (messageDTO) TableName() string {
	return "chat_messages"
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, c *Chat) error {
	dto := fromChat(c)
	return s.db.WithContext(ctx).Create(&dto).Error
}

func (s *GormStore) Get(ctx context.Context, id types.ID) (*Chat, error) {
	var dto chatDTO
	err := s.db.WithContext(ctx).Preload("Participants").First(&dto, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toChat(dto), nil
}

func (s *GormStore) FindByOrder(ctx context.Context, orderID types.ID, kind Kind) (*Chat, error) {
	var dto chatDTO
	err := s.db.WithContext(ctx).Preload("Participants").
		Where("order_id = ? AND kind = ?", string(orderID), string(kind)).
		Order("created_at").
		First(&dto).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toChat(dto), nil
}

func (s *GormStore) ForParticipant(ctx context.Context, userID types.ID) ([]*Chat, error) {
	var dtos []chatDTO
	err := s.db.WithContext(ctx).Preload("Participants").
		Where("id IN (?)", s.db.Model(&participantDTO{}).Select("chat_id").Where("user_id = ?", string(userID))).
		Order("last_activity_at DESC").
		Find(&dtos).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Chat, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, toChat(dto))
	}
	return out, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id types.ID, status Status) error {
	result := s.db.WithContext(ctx).Model(&chatDTO{}).Where("id = ?", string(id)).Update("status", string(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores the message and bumps the chat's last activity in one transaction.
func (s *GormStore) AppendMessage(ctx context.Context, m *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dto := fromMessage(m)
		if err := tx.Create(&dto).Error; err != nil {
			return err
		}
		result := tx.Model(&chatDTO{}).
			Where("id = ? AND last_activity_at < ?", string(m.ChatID), m.CreatedAt).
			Update("last_activity_at", m.CreatedAt)
		return result.Error
	})
}

// Messages returns the newest limit messages in chronological order.
func (s *GormStore) Messages(ctx context.Context, chatID types.ID, limit int) ([]Message, error) {
	var dtos []messageDTO
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", string(chatID)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&dtos).Error
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(dtos))
	for i, dto := range dtos {
		out[len(dtos)-1-i] = toMessage(dto)
	}
	return out, nil
}

func (s *GormStore) MarkRead(ctx context.Context, chatID, readerID types.ID, at time.Time) (int, error) {
	result := s.db.WithContext(ctx).Model(&messageDTO{}).
		Where("chat_id = ? AND sender_id <> ? AND read_at IS NULL", string(chatID), string(readerID)).
		Update("read_at", at)
	return int(result.RowsAffected), result.Error
}

func (s *GormStore) UnreadCount(ctx context.Context, chatID, readerID types.ID) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&messageDTO{}).
		Where("chat_id = ? AND sender_id <> ? AND read_at IS NULL", string(chatID), string(readerID)).
		Count(&n).Error
	return int(n), err
}

func fromChat(c *Chat) chatDTO {
	dto := chatDTO{
		ID:             string(c.ID),
		Kind:           string(c.Kind),
		Status:         string(c.Status),
		LastActivityAt: c.LastActivityAt,
		CreatedAt:      c.CreatedAt,
	}
	if c.OrderID != "" {
		id := string(c.OrderID)
		dto.OrderID = &id
	}
	for _, p := range c.Participants {
		dto.Participants = append(dto.Participants, participantDTO{ChatID: string(c.ID), UserID: string(p.UserID), Role: p.Role})
	}
	return dto
}

func toChat(dto chatDTO) *Chat {
	c := &Chat{
		ID:             types.ID(dto.ID),
		Kind:           Kind(dto.Kind),
		Status:         Status(dto.Status),
		LastActivityAt: dto.LastActivityAt,
		CreatedAt:      dto.CreatedAt,
	}
	if dto.OrderID != nil {
		c.OrderID = types.ID(*dto.OrderID)
	}
	for _, p := range dto.Participants {
		c.Participants = append(c.Participants, Participant{UserID: types.ID(p.UserID), Role: p.Role})
	}
	return c
}

func fromMessage(m *Message) messageDTO {
	return messageDTO{
		ID:         string(m.ID),
		ChatID:     string(m.ChatID),
		SenderID:   string(m.SenderID),
		SenderRole: m.SenderRole,
		Content:    m.Content,
		Kind:       string(m.Kind),
		CreatedAt:  m.CreatedAt,
		ReadAt:     m.ReadAt,
	}
}

func toMessage(dto messageDTO) Message {
	return Message{
		ID:         types.ID(dto.ID),
		ChatID:     types.ID(dto.ChatID),
		SenderID:   types.ID(dto.SenderID),
		SenderRole: dto.SenderRole,
		Content:    dto.Content,
		Kind:       MessageKind(dto.Kind),
		CreatedAt:  dto.CreatedAt,
		ReadAt:     dto.ReadAt,
	}
}
