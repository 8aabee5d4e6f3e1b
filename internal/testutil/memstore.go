package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/chat"
)

// MemStore is an in-memory stand-in for the PostgreSQL chat store. It
// mirrors its semantics: user scoping, sequence numbering, not-found
// sentinels and the complete-message immutability guard.
type MemStore struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]*chat.Chat
	messages map[uuid.UUID][]*chat.Message

	// AppendErr, when set, fails the next matching AppendMessage call
	// with it. AppendErrRole narrows the match to one role; empty
	// matches any.
	AppendErr     error
	AppendErrRole string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		chats:    make(map[uuid.UUID]*chat.Chat),
		messages: make(map[uuid.UUID][]*chat.Message),
	}
}

// Seed inserts a chat directly, returning it for convenience.
func (m *MemStore) Seed(userID string, title *string) *chat.Chat {
	c, _ := m.CreateChat(context.Background(), userID, title)
	return c
}

func (m *MemStore) CreateChat(_ context.Context, userID string, title *string) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	c := &chat.Chat{ID: uuid.New(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	m.chats[c.ID] = c
	return copyChat(c), nil
}

func (m *MemStore) GetChat(_ context.Context, userID string, chatID uuid.UUID) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, chat.ErrChatNotFound
	}
	return copyChat(c), nil
}

func (m *MemStore) ListChats(_ context.Context, userID string, limit, offset int32) ([]*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chat.Chat
	for _, c := range m.chats {
		if c.UserID == userID {
			out = append(out, copyChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset > 0 {
		if int(offset) >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) UpdateChatTitle(_ context.Context, userID string, chatID uuid.UUID, title string) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, chat.ErrChatNotFound
	}
	c.Title = &title
	c.UpdatedAt = time.Now().UTC()
	return copyChat(c), nil
}

func (m *MemStore) DeleteChat(_ context.Context, userID string, chatID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || c.UserID != userID {
		return chat.ErrChatNotFound
	}
	delete(m.chats, chatID)
	delete(m.messages, chatID)
	return nil
}

func (m *MemStore) DeleteChats(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chats {
		if c.UserID == userID {
			delete(m.chats, id)
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *MemStore) AppendMessage(_ context.Context, msg *chat.Message) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil && (m.AppendErrRole == "" || m.AppendErrRole == msg.Role) {
		err := m.AppendErr
		m.AppendErr = nil
		return nil, err
	}
	c, ok := m.chats[msg.ChatID]
	if !ok {
		return nil, chat.ErrChatNotFound
	}

	stored := *msg
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.SequenceNumber = int32(len(m.messages[msg.ChatID])) + 1
	stored.CreatedAt = time.Now().UTC()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], &stored)
	c.UpdatedAt = stored.CreatedAt

	out := stored
	return &out, nil
}

func (m *MemStore) Messages(_ context.Context, chatID uuid.UUID, limit, offset int32) ([]*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	if offset > 0 {
		if int(offset) >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[offset:]
	}
	if limit > 0 && int(limit) < len(msgs) {
		msgs = msgs[:limit]
	}
	out := make([]*chat.Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		out[i] = &c
	}
	return out, nil
}

func (m *MemStore) UpdateMessageStatus(_ context.Context, messageID uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				if msg.Status == chat.StatusComplete {
					return chat.ErrMessageImmutable
				}
				msg.Status = status
				return nil
			}
		}
	}
	return chat.ErrMessageNotFound
}

func copyChat(c *chat.Chat) *chat.Chat {
	out := *c
	return &out
}
