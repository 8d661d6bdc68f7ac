// Package registry is the read-through view of conversations the core
// consults before every read and write.
//
// Conversation documents and per-actor listings are cached in a
// go-cache instance for Config.RefreshEvery; pair lookups are cached
// forever since a pair never moves to another conversation. Conversation
// creation is serialized per canonical pair and finished by the store's
// compare-and-create, so racing callers converge on one conversation.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"jobchat/internal/chat"
	"jobchat/internal/identity"
	"jobchat/internal/keylock"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

type Config struct {
	// RefreshEvery is how long cached conversations and listings are
	// trusted. Zero reads through to the store on every call.
	RefreshEvery time.Duration
}

type Registry struct {
	store storage.Store
	ids   identity.Provider
	log   logx.Logger

	refresh time.Duration
	cache   *cache.Cache
	pairs   *cache.Cache
	locks   *keylock.Map
}

func New(store storage.Store, ids identity.Provider, cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	refresh := cfg.RefreshEvery
	if refresh < 0 {
		refresh = 0
	}
	cleanup := 10 * time.Minute
	if refresh > 0 && refresh*4 < cleanup {
		cleanup = refresh * 4
	}
	return &Registry{
		store:   store,
		ids:     ids,
		log:     log,
		refresh: refresh,
		cache:   cache.New(refresh, cleanup),
		pairs:   cache.New(cache.NoExpiration, 0),
		locks:   keylock.New(),
	}
}

func convKey(id string) string { return "conv:" + id }
func listKey(id string) string { return "list:" + id }

func (r *Registry) cached(id string) (chat.Conversation, bool) {
	if r.refresh <= 0 {
		return chat.Conversation{}, false
	}
	v, ok := r.cache.Get(convKey(id))
	if !ok {
		return chat.Conversation{}, false
	}
	return v.(chat.Conversation).Clone(), true
}

// Remember caches c as the latest known state, typically the value a store
// write just returned.
func (r *Registry) Remember(c chat.Conversation) {
	r.pairs.Set(string(c.Key()), c.ID, cache.NoExpiration)
	if r.refresh <= 0 {
		return
	}
	r.cache.Set(convKey(c.ID), c.Clone(), cache.DefaultExpiration)
}

func (r *Registry) forgetListings(c chat.Conversation) {
	for _, p := range c.Participants {
		r.cache.Delete(listKey(p.ID))
	}
}

// ListConversations returns the conversations actorID participates in,
// newest activity first.
func (r *Registry) ListConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	if r.refresh > 0 {
		if v, ok := r.cache.Get(listKey(actorID)); ok {
			ids := v.([]string)
			out := make([]chat.Conversation, 0, len(ids))
			for _, id := range ids {
				c, ok := r.cached(id)
				if !ok {
					out = nil
					break
				}
				out = append(out, c)
			}
			if out != nil {
				chat.SortByActivity(out)
				return out, nil
			}
		}
	}

	list, err := r.store.GetConversations(ctx, actorID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		r.Remember(c)
		ids = append(ids, c.ID)
	}
	if r.refresh > 0 {
		r.cache.Set(listKey(actorID), ids, cache.DefaultExpiration)
	}
	return list, nil
}

// FindConversation looks a conversation up by its unordered pair. A miss
// is ok == false, not an error.
func (r *Registry) FindConversation(ctx context.Context, a, b string) (chat.Conversation, bool, error) {
	key := chat.NewPairKey(a, b)
	if v, ok := r.pairs.Get(string(key)); ok {
		if c, ok := r.cached(v.(string)); ok {
			return c, true, nil
		}
	}
	c, ok, err := r.store.FindByPair(ctx, key)
	if err != nil || !ok {
		return chat.Conversation{}, false, err
	}
	r.Remember(c)
	return c, true, nil
}

// Get returns one conversation or chat.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (chat.Conversation, error) {
	if c, ok := r.cached(id); ok {
		return c, nil
	}
	return r.Refresh(ctx, id)
}

// Refresh reloads one conversation from the store into the cache.
func (r *Registry) Refresh(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	r.Remember(c)
	return c, nil
}

// Messages returns the message log of a conversation in append order.
func (r *Registry) Messages(ctx context.Context, id string) ([]chat.Message, error) {
	return r.store.GetMessages(ctx, id)
}

// MarkRead clears actorID's unread count and flags the messages it
// received as read. Calling it again is a no-op without a store write.
func (r *Registry) MarkRead(ctx context.Context, conversationID, actorID string) error {
	c, err := r.Refresh(ctx, conversationID)
	if err != nil {
		return err
	}
	if !c.Has(actorID) {
		return chat.Invalid("actor", "is not a participant of the conversation")
	}
	if c.UnreadFor(actorID) == 0 && (c.LastMessage == nil || c.LastMessage.SenderID == actorID || c.LastMessage.Read) {
		return nil
	}
	updated, err := r.store.MarkRead(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	r.Remember(updated)
	return nil
}

// GetOrCreate returns the conversation between a and b, creating an empty
// one linked to job when none exists.
func (r *Registry) GetOrCreate(ctx context.Context, a, b string, job *chat.JobRef) (chat.Conversation, error) {
	c, _, err := r.getOrCreate(ctx, a, b, job, nil)
	return c, err
}

// StartConversation is GetOrCreate that writes first together with a new
// conversation. When the pair already has one, created is false, first is
// not written and the caller appends it the usual way.
func (r *Registry) StartConversation(ctx context.Context, a, b string, job *chat.JobRef, first chat.Message) (c chat.Conversation, created bool, err error) {
	return r.getOrCreate(ctx, a, b, job, &first)
}

func (r *Registry) getOrCreate(ctx context.Context, a, b string, job *chat.JobRef, first *chat.Message) (chat.Conversation, bool, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return chat.Conversation{}, false, chat.Invalid("participants", "two participant ids are required")
	}
	if a == b {
		return chat.Conversation{}, false, chat.Invalid("participants", "cannot start a conversation with yourself")
	}
	pa, err := r.ids.Lookup(ctx, a)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	pb, err := r.ids.Lookup(ctx, b)
	if err != nil {
		return chat.Conversation{}, false, err
	}

	if c, ok, err := r.FindConversation(ctx, a, b); err != nil || ok {
		return c, false, err
	}

	key := chat.NewPairKey(a, b)
	unlock := r.locks.Lock(string(key))
	defer unlock()

	// Another caller may have created it while we waited.
	if c, ok, err := r.store.FindByPair(ctx, key); err != nil {
		return chat.Conversation{}, false, err
	} else if ok {
		r.Remember(c)
		return c, false, nil
	}

	pa.Online, pb.Online = false, false
	c := chat.Conversation{
		ID:           chat.NewID(),
		Participants: [2]chat.Participant{pa, pb},
		Unread:       map[string]int{a: 0, b: 0},
		CreatedAt:    chat.Now(),
	}
	if job != nil && (job.ID != "" || job.Title != "") {
		j := *job
		c.Job = &j
	}
	var (
		stored  chat.Conversation
		created bool
	)
	if first != nil {
		m := *first
		m.ConversationID = c.ID
		stored, created, err = r.store.StartConversation(ctx, c, m)
	} else {
		stored, created, err = r.store.CreateConversation(ctx, c)
	}
	if err != nil {
		return chat.Conversation{}, false, err
	}
	r.Remember(stored)
	if created {
		r.forgetListings(stored)
		r.log.Info("conversation created",
			logx.String("conversation", stored.ID),
			logx.String("a", a),
			logx.String("b", b),
			logx.Bool("seeded", first != nil))
	}
	return stored, created, nil
}
