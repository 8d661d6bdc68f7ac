// Package composer turns a sender's text into a persisted message.
//
// Send validates first and writes last: nothing reaches the store unless
// the body, the sender and the target check out, and a rate token is only
// spent on a send that got that far. Sends into one
// conversation are serialized so CreatedAt is strictly increasing along
// the log.
package composer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"jobchat/internal/chat"
	"jobchat/internal/eventbus"
	"jobchat/internal/identity"
	"jobchat/internal/keylock"
	"jobchat/internal/registry"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

const DefaultMaxBodyRunes = 4000

type Config struct {
	MaxBodyRunes int
	// RatePerSec and Burst shape the per-sender token bucket. A zero
	// RatePerSec disables limiting.
	RatePerSec float64
	Burst      int
}

// Target names where a message goes: an existing conversation, or the
// pair of participants whose conversation is found or created.
type Target struct {
	ConversationID string
	Participants   [2]string
	Job            *chat.JobRef
}

func ToConversation(id string) Target { return Target{ConversationID: id} }

func ToParticipants(a, b string, job *chat.JobRef) Target {
	return Target{Participants: [2]string{a, b}, Job: job}
}

type Composer struct {
	reg   *registry.Registry
	store storage.Store
	ids   identity.Provider
	bus   eventbus.Bus
	log   logx.Logger

	locks *keylock.Map
	now   func() time.Time

	mu       sync.RWMutex
	cfg      Config
	limiters *cache.Cache
}

func New(reg *registry.Registry, store storage.Store, ids identity.Provider, bus eventbus.Bus, cfg Config, log logx.Logger) *Composer {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Composer{
		reg:   reg,
		store: store,
		ids:   ids,
		bus:   bus,
		log:   log,
		locks: keylock.New(),
		now:   chat.Now,
	}
	c.Apply(cfg)
	return c
}

// Apply swaps limits at runtime. Existing sender buckets are dropped.
func (c *Composer) Apply(cfg Config) {
	if cfg.MaxBodyRunes <= 0 {
		cfg.MaxBodyRunes = DefaultMaxBodyRunes
	}
	if cfg.RatePerSec > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiters = cache.New(10*time.Minute, 10*time.Minute)
	c.mu.Unlock()
}

func (c *Composer) allow(senderID string) bool {
	c.mu.RLock()
	cfg, limiters := c.cfg, c.limiters
	c.mu.RUnlock()
	if cfg.RatePerSec <= 0 {
		return true
	}
	v, ok := limiters.Get(senderID)
	if !ok {
		l := rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
		if err := limiters.Add(senderID, l, cache.DefaultExpiration); err != nil {
			// Lost a race with another send from the same sender.
			v, _ = limiters.Get(senderID)
		} else {
			v = l
		}
	}
	if l, ok := v.(*rate.Limiter); ok {
		return l.Allow()
	}
	return true
}

func (c *Composer) validateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", chat.Invalid("body", "must not be empty")
	}
	c.mu.RLock()
	limit := c.cfg.MaxBodyRunes
	c.mu.RUnlock()
	if n := utf8.RuneCountInString(body); n > limit {
		return "", chat.Invalid("body", fmt.Sprintf("is %d characters, limit is %d", n, limit))
	}
	return body, nil
}

// Send appends body from senderID to the target conversation and publishes
// message.sent once the write is durable. A participants target with no
// conversation yet creates it together with this first message.
func (c *Composer) Send(ctx context.Context, target Target, senderID, body string) (chat.Message, error) {
	body, err := c.validateBody(body)
	if err != nil {
		return chat.Message{}, err
	}
	sender, err := c.ids.Lookup(ctx, senderID)
	if err != nil {
		return chat.Message{}, err
	}
	rt, err := c.resolve(ctx, target, sender.ID)
	if err != nil {
		return chat.Message{}, err
	}
	if !c.allow(sender.ID) {
		return chat.Message{}, fmt.Errorf("sender %s: %w", sender.ID, chat.ErrRateLimited)
	}

	var (
		msg     chat.Message
		updated chat.Conversation
	)
	if rt.found {
		msg, updated, err = c.appendTo(ctx, rt.conv.ID, sender, body)
	} else {
		msg, updated, err = c.start(ctx, rt, sender, body)
	}
	if err != nil {
		c.log.Warn("send failed",
			logx.String("conversation", rt.conv.ID),
			logx.String("sender", sender.ID),
			logx.Err(err))
		return chat.Message{}, err
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type: eventbus.TypeMessageSent,
			Time: msg.CreatedAt,
			Data: eventbus.MessageSent{Message: msg, Conversation: updated},
		})
	}
	c.log.Debug("message sent",
		logx.String("conversation", msg.ConversationID),
		logx.String("message", msg.ID),
		logx.String("sender", sender.ID))
	return msg, nil
}

// route is where a send lands. found is false when the pair has no
// conversation yet.
type route struct {
	conv  chat.Conversation
	found bool
	pair  [2]string
	job   *chat.JobRef
}

// resolve checks the target without writing anything.
func (c *Composer) resolve(ctx context.Context, target Target, senderID string) (route, error) {
	if id := strings.TrimSpace(target.ConversationID); id != "" {
		conv, err := c.reg.Get(ctx, id)
		if err != nil {
			return route{}, err
		}
		if !conv.Has(senderID) {
			return route{}, &chat.UnknownActorError{ActorID: senderID}
		}
		return route{conv: conv, found: true}, nil
	}

	a, b := strings.TrimSpace(target.Participants[0]), strings.TrimSpace(target.Participants[1])
	switch {
	case a == "" && b == "":
		return route{}, chat.Invalid("target", "conversation id or participants are required")
	case a == "" || b == "":
		return route{}, chat.Invalid("participants", "two participant ids are required")
	case a != senderID && b != senderID:
		return route{}, &chat.UnknownActorError{ActorID: senderID}
	case a == b:
		return route{}, chat.Invalid("participants", "cannot start a conversation with yourself")
	}
	other := a
	if other == senderID {
		other = b
	}
	if _, err := c.ids.Lookup(ctx, other); err != nil {
		return route{}, err
	}
	conv, ok, err := c.reg.FindConversation(ctx, a, b)
	if err != nil {
		return route{}, err
	}
	return route{conv: conv, found: ok, pair: [2]string{a, b}, job: target.Job}, nil
}

func (c *Composer) appendTo(ctx context.Context, convID string, sender chat.Participant, body string) (chat.Message, chat.Conversation, error) {
	unlock := c.locks.Lock(convID)
	defer unlock()
	return c.appendLocked(ctx, convID, sender, body)
}

// start creates the pair's conversation with msg as its first entry. A
// conversation created concurrently by the other side takes msg as a
// regular append instead.
func (c *Composer) start(ctx context.Context, rt route, sender chat.Participant, body string) (chat.Message, chat.Conversation, error) {
	msg := newMessage(sender, body, chat.Stamp(c.now()))
	conv, created, err := c.reg.StartConversation(ctx, rt.pair[0], rt.pair[1], rt.job, msg)
	if err != nil {
		return chat.Message{}, chat.Conversation{}, err
	}
	if !created {
		return c.appendTo(ctx, conv.ID, sender, body)
	}
	msg.ConversationID = conv.ID
	return msg, conv, nil
}

// appendLocked runs under the conversation lock.
func (c *Composer) appendLocked(ctx context.Context, convID string, sender chat.Participant, body string) (chat.Message, chat.Conversation, error) {
	conv, err := c.reg.Refresh(ctx, convID)
	if err != nil {
		return chat.Message{}, chat.Conversation{}, err
	}
	stamp := chat.Stamp(c.now())
	if conv.LastMessage != nil && !stamp.After(conv.LastMessage.CreatedAt) {
		stamp = conv.LastMessage.CreatedAt.Add(time.Microsecond)
	}
	msg := newMessage(sender, body, stamp)
	msg.ConversationID = convID
	updated, err := c.store.AppendMessage(ctx, convID, msg)
	if err != nil {
		return chat.Message{}, chat.Conversation{}, err
	}
	c.reg.Remember(updated)
	return msg, updated, nil
}

func newMessage(sender chat.Participant, body string, at time.Time) chat.Message {
	return chat.Message{
		ID:         chat.NewID(),
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Body:       body,
		CreatedAt:  at,
		Kind:       chat.KindText,
	}
}
