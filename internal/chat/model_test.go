package chat_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"jobchat/internal/chat"
)

func TestPairKeySymmetric(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{{"w1", "e1"}, {"a", "b"}, {"same-prefix", "same"}, {"", "x"}}
	for _, p := range pairs {
		if chat.NewPairKey(p[0], p[1]) != chat.NewPairKey(p[1], p[0]) {
			t.Fatalf("NewPairKey(%q,%q) not symmetric", p[0], p[1])
		}
	}
	if chat.NewPairKey("a", "b") == chat.NewPairKey("a", "c") {
		t.Fatal("distinct pairs share a key")
	}
}

func TestConversationApplyMessage(t *testing.T) {
	t.Parallel()
	c := chat.Conversation{
		ID: "c1",
		Participants: [2]chat.Participant{
			{ID: "w1", Role: chat.RoleWorker},
			{ID: "e1", Role: chat.RoleEmployer},
		},
	}
	c.ApplyMessage(chat.Message{ID: "m1", SenderID: "w1", Body: "Hi"})
	c.ApplyMessage(chat.Message{ID: "m2", SenderID: "w1", Body: "Still there?"})

	if got := c.UnreadFor("e1"); got != 2 {
		t.Fatalf("UnreadFor(e1) = %d, want 2", got)
	}
	if got := c.UnreadFor("w1"); got != 0 {
		t.Fatalf("UnreadFor(w1) = %d, want 0", got)
	}
	if c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Fatalf("LastMessage = %+v, want m2", c.LastMessage)
	}
}

func TestConversationCloneIsDeep(t *testing.T) {
	t.Parallel()
	c := chat.Conversation{Unread: map[string]int{"e1": 1}, LastMessage: &chat.Message{ID: "m1"}, Job: &chat.JobRef{ID: "j1"}}
	cp := c.Clone()
	cp.Unread["e1"] = 9
	cp.LastMessage.ID = "changed"
	cp.Job.Title = "changed"
	if c.Unread["e1"] != 1 || c.LastMessage.ID != "m1" || c.Job.Title != "" {
		t.Fatalf("clone shares state with original: %+v", c)
	}
}

func TestConversationCounterpart(t *testing.T) {
	t.Parallel()
	c := chat.Conversation{Participants: [2]chat.Participant{{ID: "w1"}, {ID: "e1"}}}
	if p, ok := c.Counterpart("w1"); !ok || p.ID != "e1" {
		t.Fatalf("Counterpart(w1) = %v,%v", p, ok)
	}
	if _, ok := c.Counterpart("x"); ok {
		t.Fatal("Counterpart of a stranger should fail")
	}
}

func TestNewIDOrdered(t *testing.T) {
	t.Parallel()
	prev := chat.NewID()
	for i := 0; i < 100; i++ {
		next := chat.NewID()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestStampRoundsToMicroseconds(t *testing.T) {
	t.Parallel()
	in := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("x", 3600))
	got := chat.Stamp(in)
	if got.Nanosecond() != 123456000 || got.Location() != time.UTC {
		t.Fatalf("Stamp = %v", got)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	if got := chat.Preview("  Are   you\n available\ttomorrow? "); got != "Are you available tomorrow?" {
		t.Fatalf("Preview = %q", got)
	}
	long := strings.Repeat("ä", 200)
	got := chat.Preview(long)
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("preview length = %d runes, want 80", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("preview should end with ellipsis: %q", got)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"validation", chat.Invalid("body", "must not be empty"), chat.ErrValidation},
		{"unknown actor", &chat.UnknownActorError{ActorID: "x"}, chat.ErrUnknownActor},
		{"store", chat.WrapStore("append", errors.New("disk full")), chat.ErrStoreUnavailable},
		{"wrapped validation", fmt.Errorf("send: %w", chat.Invalid("body", "empty")), chat.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
		})
	}

	if err := chat.WrapStore("get", chat.ErrNotFound); !errors.Is(err, chat.ErrNotFound) || errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("not-found must pass through unwrapped: %v", err)
	}
	if chat.WrapStore("noop", nil) != nil {
		t.Fatal("WrapStore(nil) should be nil")
	}
}
