package composer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobchat/internal/chat"
	"jobchat/internal/eventbus"
	"jobchat/internal/identity"
	"jobchat/internal/registry"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

type failingStore struct {
	storage.Store
	appends atomic.Int32
	fail    bool
}

func (s *failingStore) AppendMessage(ctx context.Context, id string, m chat.Message) (chat.Conversation, error) {
	s.appends.Add(1)
	if s.fail {
		return chat.Conversation{}, chat.WrapStore("append message", errors.New("disk unplugged"))
	}
	return s.Store.AppendMessage(ctx, id, m)
}

func (s *failingStore) StartConversation(ctx context.Context, c chat.Conversation, first chat.Message) (chat.Conversation, bool, error) {
	s.appends.Add(1)
	if s.fail {
		return chat.Conversation{}, false, chat.WrapStore("start conversation", errors.New("disk unplugged"))
	}
	return s.Store.StartConversation(ctx, c, first)
}

type fixture struct {
	c     *Composer
	reg   *registry.Registry
	store *failingStore
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	bus := eventbus.New()
	dir, err := identity.NewDirectory(bus, logx.Nop(),
		chat.Participant{ID: "w1", DisplayName: "Wanda", Role: chat.RoleWorker},
		chat.Participant{ID: "e1", DisplayName: "Evan", Role: chat.RoleEmployer},
		chat.Participant{ID: "e2", DisplayName: "Erin", Role: chat.RoleEmployer},
	)
	if err != nil {
		t.Fatal(err)
	}
	st := &failingStore{Store: storage.NewMemory()}
	reg := registry.New(st, dir, registry.Config{RefreshEvery: time.Minute}, logx.Nop())
	return fixture{
		c:     New(reg, st, dir, bus, cfg, logx.Nop()),
		reg:   reg,
		store: st,
		bus:   bus,
	}
}

func TestSendWorkerToEmployer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	ctx := context.Background()

	msg, err := f.c.Send(ctx, ToParticipants("w1", "e1", &chat.JobRef{ID: "j9", Title: "Night shift"}), "w1", "  Hi ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Body != "Hi" || msg.SenderName != "Wanda" || msg.Kind != chat.KindText || msg.Read {
		t.Fatalf("message = %+v", msg)
	}

	conv, ok, err := f.reg.FindConversation(ctx, "e1", "w1")
	if err != nil || !ok {
		t.Fatalf("FindConversation: %v %v", ok, err)
	}
	if conv.UnreadFor("e1") != 1 || conv.UnreadFor("w1") != 0 {
		t.Fatalf("unread = %v", conv.Unread)
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != msg.ID {
		t.Fatalf("last message = %+v", conv.LastMessage)
	}
	if conv.Job == nil || conv.Job.ID != "j9" {
		t.Fatalf("job = %+v", conv.Job)
	}

	select {
	case ev := <-events:
		sent, ok := ev.Data.(eventbus.MessageSent)
		if ev.Type != eventbus.TypeMessageSent || !ok {
			t.Fatalf("event = %+v", ev)
		}
		if r := sent.Recipients(); len(r) != 1 || r[0] != "e1" {
			t.Fatalf("recipients = %v", r)
		}
		if sent.Message.ID != msg.ID {
			t.Fatalf("event message = %s, want %s", sent.Message.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.sent event")
	}

	// The reply goes into the same conversation by id.
	if _, err := f.c.Send(ctx, ToConversation(conv.ID), "e1", "Hello!"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	conv, err = f.reg.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadFor("w1") != 1 || conv.UnreadFor("e1") != 1 {
		t.Fatalf("unread after reply = %v", conv.Unread)
	}
}

func TestSendRejectsBeforeWriting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxBodyRunes: 10})
	ctx := context.Background()
	existing, err := f.reg.GetOrCreate(ctx, "w1", "e1", nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target Target
		sender string
		body   string
		kind   error
	}{
		{name: "empty body", target: ToParticipants("w1", "e2", nil), sender: "w1", body: "", kind: chat.ErrValidation},
		{name: "whitespace body", target: ToParticipants("w1", "e2", nil), sender: "w1", body: " \n\t ", kind: chat.ErrValidation},
		{name: "body too long", target: ToParticipants("w1", "e2", nil), sender: "w1", body: strings.Repeat("x", 11), kind: chat.ErrValidation},
		{name: "unknown sender", target: ToParticipants("ghost", "e2", nil), sender: "ghost", body: "hi", kind: chat.ErrUnknownActor},
		{name: "sender outside pair", target: ToParticipants("w1", "e2", nil), sender: "e1", body: "hi", kind: chat.ErrUnknownActor},
		{name: "sender outside conversation", target: ToConversation(existing.ID), sender: "e2", body: "hi", kind: chat.ErrUnknownActor},
		{name: "unknown conversation", target: ToConversation("nope"), sender: "w1", body: "hi", kind: chat.ErrNotFound},
		{name: "no target", target: Target{}, sender: "w1", body: "hi", kind: chat.ErrValidation},
		{name: "self", target: ToParticipants("w1", "w1", nil), sender: "w1", body: "hi", kind: chat.ErrValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.Send(ctx, tt.target, tt.sender, tt.body)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Send err = %v, want %v", err, tt.kind)
			}
		})
	}

	if n := f.store.appends.Load(); n != 0 {
		t.Fatalf("store appends = %d, want 0", n)
	}
	if _, ok, _ := f.reg.FindConversation(ctx, "w1", "e2"); ok {
		t.Fatal("rejected send created a conversation")
	}
}

func TestSendStoreFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	f.store.fail = true

	_, err := f.c.Send(context.Background(), ToParticipants("w1", "e1", nil), "w1", "Hi")
	if !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after failed write: %+v", ev)
	default:
	}
	if _, ok, err := f.reg.FindConversation(context.Background(), "w1", "e1"); err != nil || ok {
		t.Fatalf("failed first send left a conversation behind: ok=%v err=%v", ok, err)
	}
	convs, err := f.store.GetConversations(context.Background(), "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Fatalf("recipient listing = %+v, want empty", convs)
	}

	// The pair is still free: the retry creates it with the message.
	f.store.fail = false
	msg, err := f.c.Send(context.Background(), ToParticipants("w1", "e1", nil), "w1", "Hi")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	msgs, err := f.reg.Messages(context.Background(), msg.ConversationID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages after retry = %+v, %v", msgs, err)
	}
}

func TestSendStoreFailureOnExistingConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	first, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "Hi")
	if err != nil {
		t.Fatal(err)
	}
	f.store.fail = true
	if _, err := f.c.Send(ctx, ToConversation(first.ConversationID), "e1", "Hello"); !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	conv, err := f.reg.Refresh(ctx, first.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != first.ID || conv.UnreadFor("w1") != 0 || conv.UnreadFor("e1") != 1 {
		t.Fatalf("failed append changed the conversation: %+v", conv)
	}
}

func TestSendConcurrentFirstMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	const perSide = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*perSide)
	for i := 0; i < perSide; i++ {
		for _, sender := range []string{"w1", "e1"} {
			wg.Add(1)
			go func(sender string) {
				defer wg.Done()
				_, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), sender, "hi")
				errs <- err
			}(sender)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	convs, err := f.store.GetConversations(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs, err := f.reg.Messages(ctx, convs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2*perSide {
		t.Fatalf("messages = %d, want %d", len(msgs), 2*perSide)
	}
	if convs[0].UnreadFor("w1")+convs[0].UnreadFor("e1") != 2*perSide {
		t.Fatalf("unread = %v", convs[0].Unread)
	}
}

func TestSendOrderStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.c.now = func() time.Time { return frozen }
	ctx := context.Background()

	var sent []chat.Message
	for i := 0; i < 5; i++ {
		sender := "w1"
		if i%2 == 1 {
			sender = "e1"
		}
		m, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), sender, "msg")
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		sent = append(sent, m)
	}
	msgs, err := f.reg.Messages(ctx, sent[0].ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != len(sent) {
		t.Fatalf("stored %d messages, want %d", len(msgs), len(sent))
	}
	for i := range msgs {
		if msgs[i].ID != sent[i].ID || !msgs[i].CreatedAt.Equal(sent[i].CreatedAt) {
			t.Fatalf("message %d = %+v, want %+v", i, msgs[i], sent[i])
		}
		if i > 0 && !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("CreatedAt not increasing at %d: %v then %v", i, msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}
	if want := frozen.Add(4 * time.Microsecond); !msgs[4].CreatedAt.Equal(want) {
		t.Fatalf("last CreatedAt = %v, want %v", msgs[4].CreatedAt, want)
	}
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 0.001, Burst: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "hi"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "hi")
	if !errors.Is(err, chat.ErrRateLimited) {
		t.Fatalf("third send err = %v, want rate limited", err)
	}
	if n := f.store.appends.Load(); n != 2 {
		t.Fatalf("store appends = %d, want 2", n)
	}
	// Limits are per sender.
	if _, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "e1", "hi"); err != nil {
		t.Fatalf("other sender: %v", err)
	}

	f.c.Apply(Config{})
	if _, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "hi"); err != nil {
		t.Fatalf("after disabling limits: %v", err)
	}
}

func TestRejectedSendKeepsRateToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 0.001, Burst: 1})
	ctx := context.Background()
	other, err := f.reg.GetOrCreate(ctx, "e1", "e2", nil)
	if err != nil {
		t.Fatal(err)
	}

	rejected := []struct {
		target Target
		kind   error
	}{
		{ToConversation("nope"), chat.ErrNotFound},
		{ToConversation(other.ID), chat.ErrUnknownActor},
		{ToParticipants("w1", "ghost", nil), chat.ErrUnknownActor},
		{ToParticipants("e1", "e2", nil), chat.ErrUnknownActor},
	}
	for _, r := range rejected {
		if _, err := f.c.Send(ctx, r.target, "w1", "hi"); !errors.Is(err, r.kind) {
			t.Fatalf("Send(%+v) err = %v, want %v", r.target, err, r.kind)
		}
	}
	if _, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "hi"); err != nil {
		t.Fatalf("first accepted send: %v", err)
	}
	if _, err := f.c.Send(ctx, ToParticipants("w1", "e1", nil), "w1", "hi"); !errors.Is(err, chat.ErrRateLimited) {
		t.Fatalf("second accepted send err = %v, want rate limited", err)
	}
}
