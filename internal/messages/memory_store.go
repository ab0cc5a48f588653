package messages

import (
	"context"
	"sort"
	"sync"
)

// Store persists messages and conversations.
type Store interface {
	Insert(ctx context.Context, m *Message) error
	List(ctx context.Context, thread Thread, limit int) ([]*Message, error)
	Last(ctx context.Context, thread Thread) (*Message, error)
	FindByNonce(ctx context.Context, thread Thread, senderID, nonce string) (*Message, error)

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversation(ctx context.Context, starterID, recipientID, listingID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id string, m *Message) error
}

// MemoryStore is an in-memory message store for demo/development mode.
type MemoryStore struct {
	mu            sync.RWMutex
	threads       map[Thread][]*Message
	conversations map[string]*Conversation
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:       make(map[Thread][]*Message),
		conversations: make(map[string]*Conversation),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	t := msg.Thread()
	m.threads[t] = append(m.threads[t], &cp)
	Sort(m.threads[t])
	return nil
}

func (m *MemoryStore) List(ctx context.Context, thread Thread, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.threads[thread]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Last(ctx context.Context, thread Thread) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.threads[thread]
	if len(msgs) == 0 {
		return nil, nil
	}
	cp := *msgs[len(msgs)-1]
	return &cp, nil
}

func (m *MemoryStore) FindByNonce(ctx context.Context, thread Thread, senderID, nonce string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.threads[thread] {
		if msg.SenderID == senderID && msg.Metadata.ClientNonce == nonce {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	cp.LastMessage = nil
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) FindConversation(ctx context.Context, starterID, recipientID, listingID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.StarterID == starterID && c.RecipientID == recipientID && c.ListingID == listingID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.IsParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TouchConversation(ctx context.Context, id string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrThreadNotFound
	}
	c.UpdatedAt = msg.CreatedAt
	return nil
}
