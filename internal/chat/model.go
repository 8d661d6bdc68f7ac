// Package chat holds the conversation domain: participants, conversations,
// messages and the ephemeral notifications derived from them.
package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role is the marketplace side a participant acts for.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleEmployer Role = "employer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleWorker || r == RoleEmployer }

// KindText is the only message kind currently produced.
const KindText = "text"

// Participant is an immutable snapshot of an actor at the time a
// conversation or message references it.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Online      bool   `json:"online"`
}

// JobRef links a conversation to the job posting it was started from.
type JobRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Message is one append-only entry of a conversation. Only Read changes
// after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	Kind           string    `json:"kind"`
}

// Conversation is the thread between exactly two participants.
//
// Unread is keyed by participant id; LastMessage is a denormalized copy of
// the newest message for listing.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	LastMessage  *Message       `json:"last_message,omitempty"`
	Unread       map[string]int `json:"unread"`
	Job          *JobRef        `json:"job,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Key returns the canonical pair key of the conversation.
func (c Conversation) Key() PairKey {
	return NewPairKey(c.Participants[0].ID, c.Participants[1].ID)
}

// UnreadFor returns the unread count as seen by actorID.
func (c Conversation) UnreadFor(actorID string) int {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[actorID]
}

// Has reports whether actorID is one of the two participants.
func (c Conversation) Has(actorID string) bool {
	return c.Participants[0].ID == actorID || c.Participants[1].ID == actorID
}

// Counterpart returns the participant that is not actorID.
func (c Conversation) Counterpart(actorID string) (Participant, bool) {
	switch actorID {
	case c.Participants[0].ID:
		return c.Participants[1], true
	case c.Participants[1].ID:
		return c.Participants[0], true
	default:
		return Participant{}, false
	}
}

// LastActivity is the sort key for listings: the newest message, or the
// creation time for an empty thread.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// SortByActivity orders cs newest activity first, ties broken by id
// descending so the order is total.
func SortByActivity(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		ai, aj := cs[i].LastActivity(), cs[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return cs[i].ID > cs[j].ID
	})
}

// Clone returns a deep copy so cached values are never shared with callers.
func (c Conversation) Clone() Conversation {
	cp := c
	if c.LastMessage != nil {
		m := *c.LastMessage
		cp.LastMessage = &m
	}
	if c.Job != nil {
		j := *c.Job
		cp.Job = &j
	}
	cp.Unread = make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		cp.Unread[k] = v
	}
	return cp
}

// ApplyMessage folds m into the denormalized fields: last message and the
// unread counter of every participant other than the sender.
func (c *Conversation) ApplyMessage(m Message) {
	lm := m
	c.LastMessage = &lm
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	for _, p := range c.Participants {
		if p.ID != m.SenderID {
			c.Unread[p.ID]++
		}
	}
}

// Notification is a session-scoped alert for an inbound message. It is
// never persisted.
type Notification struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

// PairKey identifies the unordered pair of participants of a conversation.
type PairKey string

// NewPairKey returns the same key for (a, b) and (b, a).
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(a + "|" + b)
}

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Now returns the current time in the precision every store driver can
// round-trip exactly.
func Now() time.Time { return Stamp(time.Now()) }

// Stamp normalizes t to UTC microseconds.
func Stamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

const previewRunes = 80

// Preview collapses whitespace and truncates body for a notification toast.
func Preview(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:previewRunes-1])) + "…"
}
