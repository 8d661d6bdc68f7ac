package storage

import (
	"context"
	"errors"
	"time"

	"jobchat/internal/chat"
)

// Store is the persistence API consumed by the registry and composer.
//
// Errors other than chat.ErrNotFound are *chat.StoreError values.
type Store interface {
	// GetConversations lists the conversations actorID participates in,
	// newest activity first.
	GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	FindByPair(ctx context.Context, key chat.PairKey) (chat.Conversation, bool, error)
	// CreateConversation inserts c unless a conversation for the same pair
	// exists, in which case that one is returned with created == false.
	CreateConversation(ctx context.Context, c chat.Conversation) (stored chat.Conversation, created bool, err error)
	// StartConversation is CreateConversation seeded with first, in one
	// write. When the pair already has a conversation that one is returned
	// with created == false and first is not written.
	StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (stored chat.Conversation, created bool, err error)
	PutConversation(ctx context.Context, c chat.Conversation) error

	// GetMessages returns the log in append order.
	GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	// AppendMessage appends m, sets it as the last message and bumps the
	// unread count of every other participant, all or nothing.
	AppendMessage(ctx context.Context, conversationID string, m chat.Message) (chat.Conversation, error)
	// MarkRead zeroes actorID's unread count and flags the messages
	// actorID received as read.
	MarkRead(ctx context.Context, conversationID, actorID string) (chat.Conversation, error)

	Close() error
}

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres", "redis".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	Addr        string        // redis
	Password    string        // redis
	DB          int           // redis
	Prefix      string        // redis key prefix, default "jobchat:"
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ErrClosed is wrapped in a *chat.StoreError when a closed store is used.
var ErrClosed = errors.New("store closed")
