// README: In-memory chat store for tests and single-instance runs.
package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"courierhub/internal/types"
)

// MemoryStore is the in-process Repository used by tests.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[types.ID]*Chat
	messages map[types.ID][]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[types.ID]*Chat),
		messages: make(map[types.ID][]*Message),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = cloneChat(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChat(c), nil
}

func (m *MemoryStore) FindByOrder(_ context.Context, orderID types.ID, kind Kind) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.OrderID == orderID && c.Kind == kind {
			return cloneChat(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ForParticipant(_ context.Context, userID types.ID) ([]*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Chat
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id types.ID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[msg.ChatID]
	if !ok {
		return ErrNotFound
	}
	cp := *msg
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], &cp)
	if msg.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = msg.CreatedAt
	}
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, chatID types.ID, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[chatID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Message, len(all))
	for i, msg := range all {
		out[i] = *msg
		if msg.ReadAt != nil {
			at := *msg.ReadAt
			out[i].ReadAt = &at
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, chatID, readerID types.ID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages[chatID] {
		if msg.SenderID != readerID && msg.ReadAt == nil {
			stamp := at
			msg.ReadAt = &stamp
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, chatID, readerID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages[chatID] {
		if msg.SenderID != readerID && msg.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func cloneChat(c *Chat) *Chat {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	return &cp
}
