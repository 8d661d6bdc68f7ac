package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobchat/internal/chat"
	logx "jobchat/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// Every write is journaled before it is applied in memory, so a failed
// write leaves the visible state untouched.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	st *state

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
	compactDue   bool
}

const (
	opConversation = "conversation"
	opMessage      = "message"
	opRead         = "read"
)

type journalRecord struct {
	Op             string             `json:"op"`
	Conversation   *chat.Conversation `json:"conversation,omitempty"`
	Message        *chat.Message      `json:"message,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	ActorID        string             `json:"actor_id,omitempty"`
}

type snapshot struct {
	Conversations []chat.Conversation       `json:"conversations"`
	Messages      map[string][]chat.Message `json:"messages"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return chat.WrapStore(op, err)
	}
	if s.journal == nil {
		return chat.WrapStore(op, ErrClosed)
	}
	return nil
}

func (s *fileStore) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list conversations"); err != nil {
		return nil, err
	}
	return s.st.list(actorID), nil
}

func (s *fileStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "get conversation"); err != nil {
		return chat.Conversation{}, err
	}
	return s.st.get(id)
}

func (s *fileStore) FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "find conversation"); err != nil {
		return chat.Conversation{}, false, err
	}
	c, ok := s.st.byKey(key)
	return c, ok, nil
}

func (s *fileStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	return s.create(ctx, "create conversation", c, nil)
}

func (s *fileStore) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	return s.create(ctx, "start conversation", c, &first)
}

// create journals the conversation and its optional first message as one
// record, so replay never sees one without the other.
func (s *fileStore) create(ctx context.Context, op string, c chat.Conversation, first *chat.Message) (chat.Conversation, bool, error) {
	if err := validateNew(c); err != nil {
		return chat.Conversation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.maybeCompactLocked()
	if err := s.check(ctx, op); err != nil {
		return chat.Conversation{}, false, err
	}
	if existing, ok := s.st.byKey(c.Key()); ok {
		return existing, false, nil
	}
	cp := c.Clone()
	rec := journalRecord{Op: opConversation, Conversation: &cp}
	if first != nil {
		m := *first
		m.ConversationID = cp.ID
		rec.Message = &m
	}
	if err := s.writeLocked(rec); err != nil {
		return chat.Conversation{}, false, chat.WrapStore(op, err)
	}
	s.st.put(cp)
	if rec.Message != nil {
		return s.st.appendMessage(cp.ID, *rec.Message), true, nil
	}
	return cp.Clone(), true, nil
}

func (s *fileStore) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validateNew(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.maybeCompactLocked()
	if err := s.check(ctx, "put conversation"); err != nil {
		return err
	}
	cp := c.Clone()
	if err := s.writeLocked(journalRecord{Op: opConversation, Conversation: &cp}); err != nil {
		return chat.WrapStore("put conversation", err)
	}
	s.st.put(cp)
	return nil
}

func (s *fileStore) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "get messages"); err != nil {
		return nil, err
	}
	return s.st.messages(conversationID)
}

func (s *fileStore) AppendMessage(ctx context.Context, conversationID string, m chat.Message) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.maybeCompactLocked()
	if err := s.check(ctx, "append message"); err != nil {
		return chat.Conversation{}, err
	}
	if _, ok := s.st.convs[conversationID]; !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	m.ConversationID = conversationID
	if err := s.writeLocked(journalRecord{Op: opMessage, Message: &m}); err != nil {
		return chat.Conversation{}, chat.WrapStore("append message", err)
	}
	return s.st.appendMessage(conversationID, m), nil
}

func (s *fileStore) MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.maybeCompactLocked()
	if err := s.check(ctx, "mark read"); err != nil {
		return chat.Conversation{}, err
	}
	if _, ok := s.st.convs[conversationID]; !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err := s.writeLocked(journalRecord{Op: opRead, ConversationID: conversationID, ActorID: actorID}); err != nil {
		return chat.Conversation{}, chat.WrapStore("mark read", err)
	}
	return s.st.markRead(conversationID, actorID), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) writeLocked(r journalRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		s.compactDue = true
	}
	return nil
}

// maybeCompactLocked runs deferred by every mutating method, after the
// journaled record has been applied to the in-memory state.
func (s *fileStore) maybeCompactLocked() {
	if !s.compactDue || s.journal == nil {
		return
	}
	s.compactDue = false
	if err := s.compactLocked(); err != nil {
		s.log.Debug("journal compact failed", logx.Err(err))
	}
}

// compactLocked writes a full snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := snapshot{Messages: make(map[string][]chat.Message, len(s.st.msgs))}
	for _, c := range s.st.convs {
		snap.Conversations = append(snap.Conversations, c)
	}
	for id, log := range s.st.msgs {
		snap.Messages[id] = log
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, c := range snap.Conversations {
		st.put(c)
	}
	for id, log := range snap.Messages {
		st.msgs[id] = log
	}
	return nil
}

func replayJournal(path string, st *state) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case opConversation:
			if r.Conversation != nil {
				st.put(*r.Conversation)
				if r.Message != nil {
					st.appendMessage(r.Conversation.ID, *r.Message)
				}
			}
		case opMessage:
			if r.Message != nil {
				if _, ok := st.convs[r.Message.ConversationID]; ok {
					st.appendMessage(r.Message.ConversationID, *r.Message)
				}
			}
		case opRead:
			if _, ok := st.convs[r.ConversationID]; ok {
				st.markRead(r.ConversationID, r.ActorID)
			}
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
