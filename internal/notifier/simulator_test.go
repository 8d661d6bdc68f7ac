package notifier

import (
	"context"
	"errors"
	"testing"

	"jobchat/internal/chat"
)

type listerFunc func(ctx context.Context, actorID string) ([]chat.Conversation, error)

func (f listerFunc) ListConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	return f(ctx, actorID)
}

var demoSenders = []chat.Participant{
	{ID: "e9", DisplayName: "Demo Employer", Role: chat.RoleEmployer},
	{ID: "w9", DisplayName: "Demo Worker", Role: chat.RoleWorker},
}

func contains(lines []string, s string) bool {
	for _, l := range lines {
		if l == s {
			return true
		}
	}
	return false
}

func TestSimulatorProbabilityBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	never := NewSimulator(nil, demoSenders, 0, 1)
	for i := 0; i < 200; i++ {
		if _, ok, err := never.Next(ctx, worker); ok || err != nil {
			t.Fatalf("probability 0 fired: ok=%v err=%v", ok, err)
		}
	}

	always := NewSimulator(nil, demoSenders, 1, 1)
	for i := 0; i < 50; i++ {
		if _, ok, err := always.Next(ctx, worker); !ok || err != nil {
			t.Fatalf("probability 1 did not fire: ok=%v err=%v", ok, err)
		}
	}

	always.SetProbability(0)
	if _, ok, _ := always.Next(ctx, worker); ok {
		t.Fatal("SetProbability(0) ignored")
	}
}

func TestSimulatorPrefersConversationPartners(t *testing.T) {
	t.Parallel()
	conv := chat.Conversation{ID: "c1", Participants: [2]chat.Participant{worker, employer}}
	sim := NewSimulator(listerFunc(func(ctx context.Context, actorID string) ([]chat.Conversation, error) {
		if actorID != worker.ID {
			t.Errorf("listed conversations of %q", actorID)
		}
		return []chat.Conversation{conv}, nil
	}), demoSenders, 1, 7)

	for i := 0; i < 20; i++ {
		in, ok, err := sim.Next(context.Background(), worker)
		if err != nil || !ok {
			t.Fatalf("Next: ok=%v err=%v", ok, err)
		}
		if in.ConversationID != "c1" || in.SenderID != employer.ID || in.SenderName != employer.DisplayName {
			t.Fatalf("inbound = %+v", in)
		}
		if !contains(employerLines, in.Body) {
			t.Fatalf("body %q is not an employer line", in.Body)
		}
		if in.At.IsZero() {
			t.Fatal("inbound has no timestamp")
		}
	}
}

func TestSimulatorFallsBackToOppositeRole(t *testing.T) {
	t.Parallel()
	empty := listerFunc(func(context.Context, string) ([]chat.Conversation, error) { return nil, nil })
	sim := NewSimulator(empty, demoSenders, 1, 3)

	for i := 0; i < 20; i++ {
		in, ok, _ := sim.Next(context.Background(), employer)
		if !ok || in.SenderID != "w9" || in.ConversationID != "" {
			t.Fatalf("inbound = %+v, ok=%v", in, ok)
		}
		if !contains(workerLines, in.Body) {
			t.Fatalf("body %q is not a worker line", in.Body)
		}
	}

	onlyEmployers := NewSimulator(nil, demoSenders[:1], 1, 3)
	in, ok, _ := onlyEmployers.Next(context.Background(), employer)
	if !ok || in.SenderID != "e9" {
		t.Fatalf("fallback to same role: %+v, ok=%v", in, ok)
	}

	self := NewSimulator(nil, []chat.Participant{employer}, 1, 3)
	if _, ok, _ := self.Next(context.Background(), employer); ok {
		t.Fatal("actor must never notify itself")
	}
}

func TestSimulatorPropagatesListErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("store unavailable")
	sim := NewSimulator(listerFunc(func(context.Context, string) ([]chat.Conversation, error) {
		return nil, boom
	}), demoSenders, 1, 1)
	if _, ok, err := sim.Next(context.Background(), worker); ok || !errors.Is(err, boom) {
		t.Fatalf("Next = ok %v, err %v", ok, err)
	}
}
