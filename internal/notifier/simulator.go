package notifier

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"jobchat/internal/chat"
)

// Inbound is one message the session actor receives.
type Inbound struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	At             time.Time
}

// Source produces inbound events on each poll. ok is false when there is
// nothing to deliver.
type Source interface {
	Next(ctx context.Context, actor chat.Participant) (in Inbound, ok bool, err error)
}

// ConversationLister is the slice of the registry the simulator needs.
type ConversationLister interface {
	ListConversations(ctx context.Context, actorID string) ([]chat.Conversation, error)
}

var (
	employerLines = []string{
		"Are you available tomorrow?",
		"Can you start at 8am on Monday?",
		"Thanks for applying, could you share your availability?",
		"We'd like to offer you the shift this weekend.",
	}
	workerLines = []string{
		"Hi! I'm interested in the position.",
		"Yes, I can make it tomorrow.",
		"Could you tell me more about the pay?",
		"I've finished the shift, thanks!",
	}
)

// Simulator stands in for a push channel: on each poll it fires with the
// configured probability and pretends a plausible counterpart wrote in.
// Simulated inbounds are not persisted.
type Simulator struct {
	convs ConversationLister
	demo  []chat.Participant

	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
}

// NewSimulator builds a simulator. convs may be nil, in which case only
// the demo senders are used.
func NewSimulator(convs ConversationLister, demo []chat.Participant, probability float64, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		convs:       convs,
		demo:        append([]chat.Participant(nil), demo...),
		rng:         rand.New(rand.NewSource(seed)),
		probability: probability,
	}
}

func (s *Simulator) SetProbability(p float64) {
	s.mu.Lock()
	s.probability = p
	s.mu.Unlock()
}

type candidate struct {
	conversationID string
	sender         chat.Participant
}

func (s *Simulator) Next(ctx context.Context, actor chat.Participant) (Inbound, bool, error) {
	s.mu.Lock()
	fire := s.probability > 0 && s.rng.Float64() < s.probability
	s.mu.Unlock()
	if !fire {
		return Inbound{}, false, nil
	}

	cands, err := s.candidates(ctx, actor)
	if err != nil {
		return Inbound{}, false, err
	}
	if len(cands) == 0 {
		return Inbound{}, false, nil
	}

	s.mu.Lock()
	c := cands[s.rng.Intn(len(cands))]
	lines := workerLines
	if c.sender.Role == chat.RoleEmployer {
		lines = employerLines
	}
	body := lines[s.rng.Intn(len(lines))]
	s.mu.Unlock()

	return Inbound{
		ConversationID: c.conversationID,
		SenderID:       c.sender.ID,
		SenderName:     c.sender.DisplayName,
		Body:           body,
		At:             chat.Now(),
	}, true, nil
}

// candidates prefers the actor's real conversation partners and falls back
// to demo senders of the opposite role.
func (s *Simulator) candidates(ctx context.Context, actor chat.Participant) ([]candidate, error) {
	var out []candidate
	if s.convs != nil {
		list, err := s.convs.ListConversations(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			if p, ok := c.Counterpart(actor.ID); ok {
				out = append(out, candidate{conversationID: c.ID, sender: p})
			}
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	var fallback []candidate
	for _, p := range s.demo {
		if p.ID == actor.ID {
			continue
		}
		fallback = append(fallback, candidate{sender: p})
		if p.Role != actor.Role {
			out = append(out, candidate{sender: p})
		}
	}
	if len(out) == 0 {
		return fallback, nil
	}
	return out, nil
}
