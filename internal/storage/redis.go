package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobchat/internal/chat"
	logx "jobchat/pkg/logx"
)

// redisStore keeps each conversation as one JSON document and its log as a
// list of JSON messages.
//
// Keys (under Prefix):
//   - conv:<id>          conversation document
//   - pair:<pair key>    conversation id, claimed under WATCH
//   - actor:<id>:convs   set of conversation ids
//   - msgs:<id>          message list in append order
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

const redisTxRetries = 8

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "jobchat:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Debug("redis store ready", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) convKey(id string) string { return s.prefix + "conv:" + id }

func (s *redisStore) pairKey(k chat.PairKey) string { return s.prefix + "pair:" + string(k) }

func (s *redisStore) actorKey(id string) string { return s.prefix + "actor:" + id + ":convs" }

func (s *redisStore) msgsKey(id string) string { return s.prefix + "msgs:" + id }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	ids, err := s.rdb.SMembers(ctx, s.actorKey(actorID)).Result()
	if err != nil {
		return nil, chat.WrapStore("list conversations", err)
	}
	if len(ids) == 0 {
		return []chat.Conversation{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.convKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, chat.WrapStore("list conversations", err)
	}
	out := make([]chat.Conversation, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c chat.Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, chat.WrapStore("list conversations", err)
		}
		out = append(out, c)
	}
	chat.SortByActivity(out)
	return out, nil
}

func (s *redisStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := s.load(ctx, s.rdb, id)
	return c, chat.WrapStore("get conversation", err)
}

func (s *redisStore) FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error) {
	id, err := s.rdb.Get(ctx, s.pairKey(key)).Result()
	if err == redis.Nil {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	c, err := s.load(ctx, s.rdb, id)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore("find conversation", err)
	}
	return c, true, nil
}

func (s *redisStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	return s.create(ctx, "create conversation", c, nil)
}

func (s *redisStore) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	return s.create(ctx, "start conversation", c, &first)
}

// create writes the document, the pair key, both member sets and the
// optional first message in one MULTI, guarded by a WATCH on the pair key.
// When the pair already resolves, the member sets are re-added so a
// listing lost by an older partial write heals on the next attempt.
func (s *redisStore) create(ctx context.Context, op string, c chat.Conversation, first *chat.Message) (chat.Conversation, bool, error) {
	if err := validateNew(c); err != nil {
		return chat.Conversation{}, false, err
	}
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	pk := s.pairKey(c.Key())
	var (
		out     chat.Conversation
		created bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, pk).Result()
		switch {
		case err == nil:
			existing, err := s.load(ctx, tx, id)
			if err == nil {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					s.addMembers(ctx, pipe, existing)
					return nil
				})
				if err == nil {
					out, created = existing, false
				}
				return err
			}
			if !errors.Is(err, chat.ErrNotFound) {
				return err
			}
			// Dangling pair key: claim the pair for c.
		case err != redis.Nil:
			return err
		}

		conv := c.Clone()
		var msg []byte
		if first != nil {
			m := *first
			m.ConversationID = conv.ID
			if msg, err = json.Marshal(m); err != nil {
				return err
			}
			conv.ApplyMessage(m)
		}
		doc, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.convKey(conv.ID), doc, 0)
			pipe.Set(ctx, pk, conv.ID, 0)
			s.addMembers(ctx, pipe, conv)
			if msg != nil {
				pipe.RPush(ctx, s.msgsKey(conv.ID), msg)
			}
			return nil
		})
		if err == nil {
			out, created = conv, true
		}
		return err
	}, pk)
	if err != nil {
		return chat.Conversation{}, false, chat.WrapStore(op, err)
	}
	return out, created, nil
}

func (s *redisStore) addMembers(ctx context.Context, pipe redis.Pipeliner, c chat.Conversation) {
	for _, p := range c.Participants {
		pipe.SAdd(ctx, s.actorKey(p.ID), c.ID)
	}
}

func (s *redisStore) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validateNew(c); err != nil {
		return err
	}
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return chat.WrapStore("put conversation", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.convKey(c.ID), doc, 0)
		pipe.Set(ctx, s.pairKey(c.Key()), c.ID, 0)
		s.addMembers(ctx, pipe, c)
		return nil
	})
	return chat.WrapStore("put conversation", err)
}

func (s *redisStore) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.load(ctx, s.rdb, conversationID); err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	raw, err := s.rdb.LRange(ctx, s.msgsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, chat.WrapStore("get messages", err)
	}
	msgs, err := decodeMessages(raw)
	return msgs, chat.WrapStore("get messages", err)
}

func (s *redisStore) AppendMessage(ctx context.Context, conversationID string, m chat.Message) (chat.Conversation, error) {
	var out chat.Conversation
	err := s.watch(ctx, func(tx *redis.Tx) error {
		c, err := s.load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		m.ConversationID = conversationID
		msg, err := json.Marshal(m)
		if err != nil {
			return err
		}
		c.ApplyMessage(m)
		doc, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.msgsKey(conversationID), msg)
			pipe.Set(ctx, s.convKey(conversationID), doc, 0)
			return nil
		})
		if err == nil {
			out = c
		}
		return err
	}, s.convKey(conversationID))
	if err != nil {
		return chat.Conversation{}, chat.WrapStore("append message", err)
	}
	return out, nil
}

func (s *redisStore) MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error) {
	var out chat.Conversation
	err := s.watch(ctx, func(tx *redis.Tx) error {
		c, err := s.load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		raw, err := tx.LRange(ctx, s.msgsKey(conversationID), 0, -1).Result()
		if err != nil {
			return err
		}
		msgs, err := decodeMessages(raw)
		if err != nil {
			return err
		}
		updates := map[int64][]byte{}
		for i, m := range msgs {
			if m.SenderID != actorID && !m.Read {
				m.Read = true
				b, err := json.Marshal(m)
				if err != nil {
					return err
				}
				updates[int64(i)] = b
			}
		}
		c.Unread[actorID] = 0
		if c.LastMessage != nil && c.LastMessage.SenderID != actorID {
			c.LastMessage.Read = true
		}
		doc, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, b := range updates {
				pipe.LSet(ctx, s.msgsKey(conversationID), i, b)
			}
			pipe.Set(ctx, s.convKey(conversationID), doc, 0)
			return nil
		})
		if err == nil {
			out = c
		}
		return err
	}, s.convKey(conversationID), s.msgsKey(conversationID))
	if err != nil {
		return chat.Conversation{}, chat.WrapStore("mark read", err)
	}
	return out, nil
}

// watch runs fn under optimistic locking and retries when a watched key
// changed underneath it.
func (s *redisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return errors.New("too much contention")
}

// redisGetter is satisfied by *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *redisStore) load(ctx context.Context, c redisGetter, id string) (chat.Conversation, error) {
	raw, err := c.Get(ctx, s.convKey(id)).Bytes()
	if err == redis.Nil {
		return chat.Conversation{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	var conv chat.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return chat.Conversation{}, err
	}
	if conv.Unread == nil {
		conv.Unread = map[string]int{}
	}
	return conv, nil
}

func decodeMessages(raw []string) ([]chat.Message, error) {
	msgs := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
