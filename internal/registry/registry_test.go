package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobchat/internal/chat"
	"jobchat/internal/identity"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

// countingStore records how often the registry reaches the store.
type countingStore struct {
	storage.Store
	lists    atomic.Int32
	creates  atomic.Int32
	markRead atomic.Int32
}

func (s *countingStore) GetConversations(ctx context.Context, actorID string) ([]chat.Conversation, error) {
	s.lists.Add(1)
	return s.Store.GetConversations(ctx, actorID)
}

func (s *countingStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	s.creates.Add(1)
	return s.Store.CreateConversation(ctx, c)
}

func (s *countingStore) MarkRead(ctx context.Context, id, actorID string) (chat.Conversation, error) {
	s.markRead.Add(1)
	return s.Store.MarkRead(ctx, id, actorID)
}

func newRegistry(t *testing.T, refresh time.Duration) (*Registry, *countingStore) {
	t.Helper()
	dir, err := identity.NewDirectory(nil, logx.Nop(),
		chat.Participant{ID: "w1", DisplayName: "Wanda", Role: chat.RoleWorker},
		chat.Participant{ID: "e1", DisplayName: "Evan", Role: chat.RoleEmployer},
		chat.Participant{ID: "e2", DisplayName: "Erin", Role: chat.RoleEmployer},
	)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	st := &countingStore{Store: storage.NewMemory()}
	return New(st, dir, Config{RefreshEvery: refresh}, logx.Nop()), st
}

func TestGetOrCreateIsSymmetric(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, time.Minute)
	ctx := context.Background()
	job := &chat.JobRef{ID: "job-1", Title: "Barista"}

	c1, err := r.GetOrCreate(ctx, "w1", "e1", job)
	if err != nil {
		t.Fatalf("GetOrCreate(w1,e1): %v", err)
	}
	c2, err := r.GetOrCreate(ctx, "e1", "w1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate(e1,w1): %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("GetOrCreate not symmetric: %s vs %s", c1.ID, c2.ID)
	}
	if c2.Job == nil || c2.Job.Title != "Barista" {
		t.Fatalf("job ref = %+v", c2.Job)
	}
	if c1.UnreadFor("w1") != 0 || c1.UnreadFor("e1") != 0 || c1.LastMessage != nil {
		t.Fatalf("new conversation not empty: %+v", c1)
	}

	found, ok, err := r.FindConversation(ctx, "e1", "w1")
	if err != nil || !ok || found.ID != c1.ID {
		t.Fatalf("FindConversation = %v,%v,%v", found.ID, ok, err)
	}
}

func TestStartConversationSeedsOnce(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, time.Minute)
	ctx := context.Background()
	before, err := r.ListConversations(ctx, "e1")
	if err != nil || len(before) != 0 {
		t.Fatalf("listing before = %+v, %v", before, err)
	}

	first := chat.Message{ID: "m1", SenderID: "w1", SenderName: "Wanda", Body: "hi", CreatedAt: chat.Now(), Kind: chat.KindText}
	c, created, err := r.StartConversation(ctx, "w1", "e1", nil, first)
	if err != nil || !created {
		t.Fatalf("StartConversation = %v, %v", created, err)
	}
	if c.LastMessage == nil || c.LastMessage.ID != "m1" || c.UnreadFor("e1") != 1 {
		t.Fatalf("started conversation = %+v", c)
	}
	if n := st.creates.Load(); n != 0 {
		t.Fatalf("empty creates = %d, want 0", n)
	}
	// The cached empty listing was dropped.
	if after, err := r.ListConversations(ctx, "e1"); err != nil || len(after) != 1 {
		t.Fatalf("listing after = %+v, %v", after, err)
	}

	again, created, err := r.StartConversation(ctx, "e1", "w1", nil, chat.Message{ID: "m2", SenderID: "e1", Body: "yo", CreatedAt: chat.Now()})
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("second start = %s created=%v err=%v", again.ID, created, err)
	}
	msgs, err := r.Messages(ctx, c.ID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}
}

func TestGetOrCreateConcurrentFromBothEnds(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, time.Minute)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	got := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "w1", "e1"
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := r.GetOrCreate(ctx, a, b, nil)
			got[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()

	for i := range got {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if got[i] != got[0] {
			t.Fatalf("call %d returned %s, want %s", i, got[i], got[0])
		}
	}
	if n := st.creates.Load(); n != 1 {
		t.Fatalf("store creates = %d, want 1", n)
	}
	list, err := st.Store.GetConversations(ctx, "w1")
	if err != nil || len(list) != 1 {
		t.Fatalf("stored conversations = %d, %v", len(list), err)
	}
}

func TestGetOrCreateRejects(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, time.Minute)
	ctx := context.Background()
	tests := []struct {
		name string
		a, b string
		kind error
	}{
		{name: "self", a: "w1", b: "w1", kind: chat.ErrValidation},
		{name: "blank", a: " ", b: "e1", kind: chat.ErrValidation},
		{name: "unknown first", a: "ghost", b: "e1", kind: chat.ErrUnknownActor},
		{name: "unknown second", a: "w1", b: "ghost", kind: chat.ErrUnknownActor},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.GetOrCreate(ctx, tt.a, tt.b, nil)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("GetOrCreate(%q,%q) err = %v, want %v", tt.a, tt.b, err, tt.kind)
			}
		})
	}
	if n := st.creates.Load(); n != 0 {
		t.Fatalf("rejected calls reached the store %d times", n)
	}
}

func TestFindConversationMiss(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, time.Minute)
	c, ok, err := r.FindConversation(context.Background(), "w1", "e2")
	if err != nil || ok {
		t.Fatalf("FindConversation = %+v, %v, %v; want miss without error", c, ok, err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, time.Minute)
	ctx := context.Background()
	c, err := r.GetOrCreate(ctx, "w1", "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := st.AppendMessage(ctx, c.ID, chat.Message{ID: chat.NewID(), SenderID: "w1", Body: "Hi", CreatedAt: chat.Now(), Kind: chat.KindText})
	if err != nil {
		t.Fatal(err)
	}
	r.Remember(updated)

	for i := 0; i < 3; i++ {
		if err := r.MarkRead(ctx, c.ID, "e1"); err != nil {
			t.Fatalf("MarkRead #%d: %v", i, err)
		}
	}
	if n := st.markRead.Load(); n != 1 {
		t.Fatalf("store MarkRead calls = %d, want 1", n)
	}
	got, err := r.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadFor("e1") != 0 || got.UnreadFor("w1") != 0 {
		t.Fatalf("unread = %v", got.Unread)
	}
	msgs, err := r.Messages(ctx, c.ID)
	if err != nil || len(msgs) != 1 || !msgs[0].Read {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}

	// The sender marking its own thread read changes nothing.
	if err := r.MarkRead(ctx, c.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if n := st.markRead.Load(); n != 1 {
		t.Fatalf("store MarkRead calls = %d, want 1", n)
	}
}

func TestMarkReadErrors(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, time.Minute)
	ctx := context.Background()
	c, err := r.GetOrCreate(ctx, "w1", "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.MarkRead(ctx, "missing", "w1"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("unknown conversation err = %v", err)
	}
	if err := r.MarkRead(ctx, c.ID, "e2"); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("non participant err = %v", err)
	}
}

func TestListConversationsUsesCache(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, time.Minute)
	ctx := context.Background()
	older, err := r.GetOrCreate(ctx, "w1", "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := r.GetOrCreate(ctx, "w1", "e2", nil)
	if err != nil {
		t.Fatal(err)
	}

	list, err := r.ListConversations(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Fatalf("list = %v", list)
	}
	if _, err := r.ListConversations(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if n := st.lists.Load(); n != 1 {
		t.Fatalf("store list calls = %d, want 1 (second call cached)", n)
	}

	// A write remembered by the registry reorders the cached listing.
	updated, err := st.AppendMessage(ctx, older.ID, chat.Message{ID: chat.NewID(), SenderID: "e1", Body: "ping", CreatedAt: chat.Now().Add(time.Second), Kind: chat.KindText})
	if err != nil {
		t.Fatal(err)
	}
	r.Remember(updated)
	list, err = r.ListConversations(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if list[0].ID != older.ID || list[0].UnreadFor("w1") != 1 {
		t.Fatalf("list after write = %+v", list)
	}
	if n := st.lists.Load(); n != 1 {
		t.Fatalf("store list calls = %d, want 1", n)
	}
}

func TestListConversationsWithoutCache(t *testing.T) {
	t.Parallel()
	r, st := newRegistry(t, 0)
	ctx := context.Background()
	if _, err := r.GetOrCreate(ctx, "w1", "e1", nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.ListConversations(ctx, "e1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := st.lists.Load(); n != 3 {
		t.Fatalf("store list calls = %d, want 3", n)
	}
}

func TestNewConversationInvalidatesListing(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, time.Minute)
	ctx := context.Background()
	list, err := r.ListConversations(ctx, "e2")
	if err != nil || len(list) != 0 {
		t.Fatalf("initial list = %v, %v", list, err)
	}
	if _, err := r.GetOrCreate(ctx, "e2", "w1", nil); err != nil {
		t.Fatal(err)
	}
	list, err = r.ListConversations(ctx, "e2")
	if err != nil || len(list) != 1 {
		t.Fatalf("list after create = %v, %v", list, err)
	}
}
