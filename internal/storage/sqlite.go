package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobchat/internal/chat"
	logx "jobchat/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetConversations reads the member index and every conversation in one
// transaction, so a listing never mixes states from concurrent appends.
func (s *sqliteStore) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		ids, err := memberConversations(ctx, tx, actorID)
		if err != nil {
			return err
		}
		out = make([]chat.Conversation, 0, len(ids))
		for _, id := range ids {
			c, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, chat.WrapStore("list conversations", err)
	}
	chat.SortByActivity(out)
	return out, nil
}

func memberConversations(ctx context.Context, q querier, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_members WHERE actor_id = ?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := s.load(ctx, s.db, id)
	return c, chat.WrapStore("get conversation", err)
}

func (s *sqliteStore) FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = ?`, string(key)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	c, err := s.load(ctx, s.db, id)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	return c, true, nil
}

func (s *sqliteStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	return s.create(ctx, "create conversation", c, nil)
}

func (s *sqliteStore) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	return s.create(ctx, "start conversation", c, &first)
}

// create inserts c and, when given, its first message in one transaction.
func (s *sqliteStore) create(ctx context.Context, op string, c chat.Conversation, first *chat.Message) (chat.Conversation, bool, error) {
	if err := validateNew(c); err != nil {
		return chat.Conversation{}, false, err
	}
	var (
		created bool
		out     chat.Conversation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, pair_key, participants, job_id, job_title, last_message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pair_key) DO NOTHING`,
			conversationArgs(c)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := upsertMembers(ctx, tx, c); err != nil {
			return err
		}
		out = c.Clone()
		if first != nil {
			if out, err = s.appendTx(ctx, tx, c.ID, *first); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore(op, err)
	}
	if created {
		return out, true, nil
	}
	existing, ok, err := s.FindByPair(ctx, c.Key())
	if err != nil {
		return chat.Conversation{}, false, err
	}
	if !ok {
		return chat.Conversation{}, false, chat.WrapStore(op, errors.New("pair conflict without a stored conversation"))
	}
	return existing, false, nil
}

func (s *sqliteStore) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validateNew(c); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, pair_key, participants, job_id, job_title, last_message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   pair_key=excluded.pair_key, participants=excluded.participants,
			   job_id=excluded.job_id, job_title=excluded.job_title,
			   last_message=excluded.last_message, created_at=excluded.created_at`,
			conversationArgs(c)...); err != nil {
			return err
		}
		return upsertMembers(ctx, tx, c)
	})
	return chat.WrapStore("put conversation", err)
}

func (s *sqliteStore) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.load(ctx, s.db, conversationID); err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, sender_name, body, created_at, read, kind
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	return msgs, chat.WrapStore("get messages", err)
}

func (s *sqliteStore) AppendMessage(ctx context.Context, conversationID string, m chat.Message) (chat.Conversation, error) {
	var out chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.appendTx(ctx, tx, conversationID, m)
		return err
	})
	if err != nil {
		return chat.Conversation{}, chat.WrapStore("append message", err)
	}
	return out, nil
}

func (s *sqliteStore) appendTx(ctx context.Context, tx *sql.Tx, conversationID string, m chat.Message) (chat.Conversation, error) {
	c, err := s.load(ctx, tx, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	m.ConversationID = conversationID
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, body, created_at, read, kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Body,
		m.CreatedAt.UTC().Format(timeLayout), boolInt(m.Read), m.Kind); err != nil {
		return chat.Conversation{}, err
	}
	c.ApplyMessage(m)
	lm, err := json.Marshal(c.LastMessage)
	if err != nil {
		return chat.Conversation{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message = ? WHERE id = ?`, string(lm), c.ID); err != nil {
		return chat.Conversation{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_members SET unread = unread + 1 WHERE conversation_id = ? AND actor_id <> ?`,
		c.ID, m.SenderID); err != nil {
		return chat.Conversation{}, err
	}
	return c, nil
}

func (s *sqliteStore) MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error) {
	var out chat.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET unread = 0 WHERE conversation_id = ? AND actor_id = ?`,
			conversationID, actorID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET read = 1 WHERE conversation_id = ? AND sender_id <> ? AND read = 0`,
			conversationID, actorID); err != nil {
			return err
		}
		c.Unread[actorID] = 0
		if c.LastMessage != nil && c.LastMessage.SenderID != actorID && !c.LastMessage.Read {
			c.LastMessage.Read = true
			lm, err := json.Marshal(c.LastMessage)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message = ? WHERE id = ?`, string(lm), c.ID); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return chat.Conversation{}, chat.WrapStore("mark read", err)
	}
	return out, nil
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withReadTx runs fn in a transaction that is always rolled back.
func (s *sqliteStore) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

func (s *sqliteStore) load(ctx context.Context, q querier, id string) (chat.Conversation, error) {
	var (
		c                   chat.Conversation
		participants        string
		jobID, jobTitle, lm sql.NullString
		createdAt           string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, participants, job_id, job_title, last_message, created_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &jobID, &jobTitle, &lm, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := decodeConversationColumns(&c, participants, jobID.String, jobTitle.String, lm.String, createdAt); err != nil {
		return chat.Conversation{}, err
	}

	rows, err := q.QueryContext(ctx, `SELECT actor_id, unread FROM conversation_members WHERE conversation_id = ?`, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	defer rows.Close()
	c.Unread = map[string]int{}
	for rows.Next() {
		var actor string
		var n int
		if err := rows.Scan(&actor, &n); err != nil {
			return chat.Conversation{}, err
		}
		c.Unread[actor] = n
	}
	return c, rows.Err()
}

func upsertMembers(ctx context.Context, q querier, c chat.Conversation) error {
	for _, p := range c.Participants {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, actor_id, unread) VALUES (?, ?, ?)
			 ON CONFLICT(conversation_id, actor_id) DO UPDATE SET unread=excluded.unread`,
			c.ID, p.ID, c.UnreadFor(p.ID)); err != nil {
			return err
		}
	}
	return nil
}

func conversationArgs(c chat.Conversation) []any {
	participants, _ := json.Marshal(c.Participants)
	var jobID, jobTitle any
	if c.Job != nil {
		jobID, jobTitle = c.Job.ID, c.Job.Title
	}
	var lm any
	if c.LastMessage != nil {
		b, _ := json.Marshal(c.LastMessage)
		lm = string(b)
	}
	return []any{c.ID, string(c.Key()), string(participants), jobID, jobTitle, lm, c.CreatedAt.UTC().Format(timeLayout)}
}

func decodeConversationColumns(c *chat.Conversation, participants, jobID, jobTitle, lastMessage, createdAt string) error {
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return fmt.Errorf("decode participants: %w", err)
	}
	if jobID != "" || jobTitle != "" {
		c.Job = &chat.JobRef{ID: jobID, Title: jobTitle}
	}
	if lastMessage != "" {
		var m chat.Message
		if err := json.Unmarshal([]byte(lastMessage), &m); err != nil {
			return fmt.Errorf("decode last message: %w", err)
		}
		c.LastMessage = &m
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return fmt.Errorf("decode created_at: %w", err)
	}
	c.CreatedAt = t
	return nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var createdAt string
		var read int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &createdAt, &read, &m.Kind); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = t
		m.Read = read != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
