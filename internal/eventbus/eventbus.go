// Package eventbus is the in-process signal path between the composer, the
// identity directory and per-session notifiers.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get a buffered channel; a full subscriber drops events.
//   - Data is one of the payload types below (or small, JSON-friendly data).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"jobchat/internal/chat"
)

// Event types.
const (
	TypeMessageSent     = "message.sent"
	TypeIdentityChanged = "identity.changed"
	TypeNotifyShown     = "notification.shown"
	TypeNotifyDismissed = "notification.dismissed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// MessageSent is published after a message is durably appended.
type MessageSent struct {
	Message      chat.Message
	Conversation chat.Conversation
}

// Recipients returns the participants other than the sender.
func (m MessageSent) Recipients() []string {
	out := make([]string, 0, 1)
	for _, p := range m.Conversation.Participants {
		if p.ID != m.Message.SenderID {
			out = append(out, p.ID)
		}
	}
	return out
}

// IdentityChanged is published when the current actor switches or is
// cleared. Current is empty after a sign-out.
type IdentityChanged struct {
	Previous string
	Current  string
}

// NotificationLifecycle reports a feed transition, Reason is "timeout",
// "user", "evicted" or "" for shown.
type NotificationLifecycle struct {
	ActorID        string
	NotificationID string
	Reason         string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// closed is flipped under s.mu so Publish never sends on a closed channel.
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
	return s.ch, unsub
}
