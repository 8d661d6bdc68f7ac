package storage

import (
	"context"
	"strings"
	"sync"

	"jobchat/internal/chat"
)

// state is the map-backed record set shared by the memory and file
// drivers. Callers hold the owning store's lock.
type state struct {
	convs  map[string]chat.Conversation
	byPair map[chat.PairKey]string
	msgs   map[string][]chat.Message
}

func newState() *state {
	return &state{
		convs:  map[string]chat.Conversation{},
		byPair: map[chat.PairKey]string{},
		msgs:   map[string][]chat.Message{},
	}
}

func (s *state) list(actorID string) []chat.Conversation {
	out := make([]chat.Conversation, 0, 8)
	for _, c := range s.convs {
		if c.Has(actorID) {
			out = append(out, c.Clone())
		}
	}
	chat.SortByActivity(out)
	return out
}

func (s *state) get(id string) (chat.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *state) byKey(key chat.PairKey) (chat.Conversation, bool) {
	id, ok := s.byPair[key]
	if !ok {
		return chat.Conversation{}, false
	}
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return c.Clone(), true
}

func (s *state) put(c chat.Conversation) {
	c = c.Clone()
	if old, ok := s.convs[c.ID]; ok && old.Key() != c.Key() {
		delete(s.byPair, old.Key())
	}
	s.convs[c.ID] = c
	s.byPair[c.Key()] = c.ID
}

func (s *state) messages(id string) ([]chat.Message, error) {
	if _, ok := s.convs[id]; !ok {
		return nil, chat.ErrNotFound
	}
	return append([]chat.Message(nil), s.msgs[id]...), nil
}

// appendMessage assumes the conversation exists (checked by the caller
// before it writes anything durable).
func (s *state) appendMessage(id string, m chat.Message) chat.Conversation {
	c := s.convs[id].Clone()
	m.ConversationID = id
	s.msgs[id] = append(s.msgs[id], m)
	c.ApplyMessage(m)
	s.convs[id] = c
	return c.Clone()
}

func (s *state) markRead(id, actorID string) chat.Conversation {
	c := s.convs[id].Clone()
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	c.Unread[actorID] = 0
	log := s.msgs[id]
	for i := range log {
		if log[i].SenderID != actorID {
			log[i].Read = true
		}
	}
	if c.LastMessage != nil && c.LastMessage.SenderID != actorID {
		c.LastMessage.Read = true
	}
	s.convs[id] = c
	return c.Clone()
}

func validateNew(c chat.Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		return chat.Invalid("conversation.id", "is required")
	}
	a, b := c.Participants[0].ID, c.Participants[1].ID
	if a == "" || b == "" {
		return chat.Invalid("conversation.participants", "two participants are required")
	}
	if a == b {
		return chat.Invalid("conversation.participants", "participants must differ")
	}
	return nil
}

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex
	st *state

	closed bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return chat.WrapStore(op, err)
	}
	if m.closed {
		return chat.WrapStore(op, ErrClosed)
	}
	return nil
}

func (m *Memory) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "list conversations"); err != nil {
		return nil, err
	}
	return m.st.list(actorID), nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "get conversation"); err != nil {
		return chat.Conversation{}, err
	}
	return m.st.get(id)
}

func (m *Memory) FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "find conversation"); err != nil {
		return chat.Conversation{}, false, err
	}
	c, ok := m.st.byKey(key)
	return c, ok, nil
}

func (m *Memory) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	return m.create(ctx, "create conversation", c, nil)
}

func (m *Memory) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	return m.create(ctx, "start conversation", c, &first)
}

func (m *Memory) create(ctx context.Context, op string, c chat.Conversation, first *chat.Message) (chat.Conversation, bool, error) {
	if err := validateNew(c); err != nil {
		return chat.Conversation{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, op); err != nil {
		return chat.Conversation{}, false, err
	}
	if existing, ok := m.st.byKey(c.Key()); ok {
		return existing, false, nil
	}
	m.st.put(c)
	if first != nil {
		return m.st.appendMessage(c.ID, *first), true, nil
	}
	return c.Clone(), true, nil
}

func (m *Memory) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validateNew(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "put conversation"); err != nil {
		return err
	}
	m.st.put(c)
	return nil
}

func (m *Memory) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "get messages"); err != nil {
		return nil, err
	}
	return m.st.messages(conversationID)
}

func (m *Memory) AppendMessage(ctx context.Context, conversationID string, msg chat.Message) (chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "append message"); err != nil {
		return chat.Conversation{}, err
	}
	if _, ok := m.st.convs[conversationID]; !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return m.st.appendMessage(conversationID, msg), nil
}

func (m *Memory) MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "mark read"); err != nil {
		return chat.Conversation{}, err
	}
	if _, ok := m.st.convs[conversationID]; !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return m.st.markRead(conversationID, actorID), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
