package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobchat/internal/chat"
	logx "jobchat/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}
	log.Debug("postgres store ready")
	return &postgresStore{pool: pool, log: log}, nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	var out []chat.Conversation
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT conversation_id FROM conversation_members WHERE actor_id = $1`, actorID)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
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

func (s *postgresStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := s.load(ctx, s.pool, id)
	return c, chat.WrapStore("get conversation", err)
}

func (s *postgresStore) FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM conversations WHERE pair_key = $1`, string(key)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	c, err := s.load(ctx, s.pool, id)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	return c, true, nil
}

func (s *postgresStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	return s.create(ctx, "create conversation", c, nil)
}

func (s *postgresStore) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	return s.create(ctx, "start conversation", c, &first)
}

// create inserts c and, when given, its first message in one transaction.
func (s *postgresStore) create(ctx context.Context, op string, c chat.Conversation, first *chat.Message) (chat.Conversation, bool, error) {
	if err := validateNew(c); err != nil {
		return chat.Conversation{}, false, err
	}
	args, err := pgConversationArgs(c)
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore(op, err)
	}
	var (
		created bool
		out     chat.Conversation
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, pair_key, participants, job_id, job_title, last_message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (pair_key) DO NOTHING`, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := pgUpsertMembers(ctx, tx, c); err != nil {
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

func (s *postgresStore) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validateNew(c); err != nil {
		return err
	}
	args, err := pgConversationArgs(c)
	if err != nil {
		return chat.WrapStore("put conversation", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, pair_key, participants, job_id, job_title, last_message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   pair_key = EXCLUDED.pair_key, participants = EXCLUDED.participants,
			   job_id = EXCLUDED.job_id, job_title = EXCLUDED.job_title,
			   last_message = EXCLUDED.last_message, created_at = EXCLUDED.created_at`, args...); err != nil {
			return err
		}
		return pgUpsertMembers(ctx, tx, c)
	})
	return chat.WrapStore("put conversation", err)
}

func (s *postgresStore) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.load(ctx, s.pool, conversationID); err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, sender_name, body, created_at, read, kind
		 FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var m chat.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt, &m.Read, &m.Kind)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	return msgs, nil
}

func (s *postgresStore) AppendMessage(ctx context.Context, conversationID string, m chat.Message) (chat.Conversation, error) {
	var out chat.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.appendTx(ctx, tx, conversationID, m)
		return err
	})
	if err != nil {
		return chat.Conversation{}, chat.WrapStore("append message", err)
	}
	return out, nil
}

func (s *postgresStore) appendTx(ctx context.Context, tx pgx.Tx, conversationID string, m chat.Message) (chat.Conversation, error) {
	// Row lock serializes concurrent appends to the same conversation.
	c, err := s.loadForUpdate(ctx, tx, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	m.ConversationID = conversationID
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, body, created_at, read, kind)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Body, m.CreatedAt.UTC(), m.Read, m.Kind); err != nil {
		return chat.Conversation{}, err
	}
	c.ApplyMessage(m)
	lm, err := json.Marshal(c.LastMessage)
	if err != nil {
		return chat.Conversation{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message = $1 WHERE id = $2`, lm, c.ID); err != nil {
		return chat.Conversation{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversation_members SET unread = unread + 1 WHERE conversation_id = $1 AND actor_id <> $2`,
		c.ID, m.SenderID); err != nil {
		return chat.Conversation{}, err
	}
	return c, nil
}

func (s *postgresStore) MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error) {
	var out chat.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.loadForUpdate(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversation_members SET unread = 0 WHERE conversation_id = $1 AND actor_id = $2`,
			conversationID, actorID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET read = TRUE WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`,
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
			if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message = $1 WHERE id = $2`, lm, c.ID); err != nil {
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

func (s *postgresStore) loadForUpdate(ctx context.Context, tx pgx.Tx, id string) (chat.Conversation, error) {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.load(ctx, tx, id)
}

func (s *postgresStore) load(ctx context.Context, q pgQuerier, id string) (chat.Conversation, error) {
	var (
		c                chat.Conversation
		participants, lm []byte
		jobID, jobTitle  *string
	)
	err := q.QueryRow(ctx,
		`SELECT id, participants, job_id, job_title, last_message, created_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &participants, &jobID, &jobTitle, &lm, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return chat.Conversation{}, fmt.Errorf("decode participants: %w", err)
	}
	if jobID != nil || jobTitle != nil {
		c.Job = &chat.JobRef{}
		if jobID != nil {
			c.Job.ID = *jobID
		}
		if jobTitle != nil {
			c.Job.Title = *jobTitle
		}
	}
	if len(lm) > 0 && string(lm) != "null" {
		var m chat.Message
		if err := json.Unmarshal(lm, &m); err != nil {
			return chat.Conversation{}, fmt.Errorf("decode last message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		c.LastMessage = &m
	}

	rows, err := q.Query(ctx, `SELECT actor_id, unread FROM conversation_members WHERE conversation_id = $1`, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	defer rows.Close()
	c.Unread = map[string]int{}
	for rows.Next() {
		var actor string
		var n int32
		if err := rows.Scan(&actor, &n); err != nil {
			return chat.Conversation{}, err
		}
		c.Unread[actor] = int(n)
	}
	return c, rows.Err()
}

func pgUpsertMembers(ctx context.Context, tx pgx.Tx, c chat.Conversation) error {
	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, actor_id, unread) VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, actor_id) DO UPDATE SET unread = EXCLUDED.unread`,
			c.ID, p.ID, c.UnreadFor(p.ID)); err != nil {
			return err
		}
	}
	return nil
}

func pgConversationArgs(c chat.Conversation) ([]any, error) {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return nil, err
	}
	var jobID, jobTitle *string
	if c.Job != nil {
		jobID, jobTitle = &c.Job.ID, &c.Job.Title
	}
	var lm []byte
	if c.LastMessage != nil {
		if lm, err = json.Marshal(c.LastMessage); err != nil {
			return nil, err
		}
	}
	return []any{c.ID, string(c.Key()), participants, jobID, jobTitle, lm, c.CreatedAt.UTC()}, nil
}
