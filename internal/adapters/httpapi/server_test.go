package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobchat/internal/app"
	"jobchat/internal/chat"
	"jobchat/internal/composer"
	"jobchat/internal/config"
	"jobchat/internal/identity"
	"jobchat/internal/notifier"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

type quietSource struct{}

func (quietSource) Next(context.Context, chat.Participant) (notifier.Inbound, bool, error) {
	return notifier.Inbound{}, false, nil
}

type fixture struct {
	app    *app.App
	srv    *Server
	tokens map[string]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := &config.Config{
		Identity: config.IdentityConfig{Roster: []config.PersonConfig{
			{ID: "w1", Name: "Wanda", Role: "worker"},
			{ID: "e1", Name: "Evan", Role: "employer"},
			{ID: "e2", Name: "Erin", Role: "employer"},
		}},
		Notifier: config.NotifierConfig{DismissAfter: "1m"},
	}
	a, err := app.New(cfg, app.Deps{Store: storage.NewMemory(), Source: quietSource{}, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, app.StopAppStop)
	})

	v, err := identity.NewTokenVerifier("test-secret", a.Directory())
	if err != nil {
		t.Fatal(err)
	}
	tokens := map[string]string{}
	for _, id := range []string{"w1", "e1", "e2"} {
		p, err := a.Directory().Lookup(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		tok, err := v.Issue(p, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		tokens[id] = tok
	}
	return fixture{app: a, srv: New(a, v, logx.Nop()), tokens: tokens}
}

func (f fixture) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[actor])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	expect(t, f.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expect(t, f.do(t, http.MethodGet, "/api/conversations", "", nil), http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	expect(t, rec, http.StatusUnauthorized)

	expect(t, f.do(t, http.MethodGet, "/api/conversations/", "w1", nil), http.StatusOK)
}

func TestConversationFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{RecipientID: "e1", JobID: "j1", JobTitle: "Barista", Body: "  Hi "})
	expect(t, rec, http.StatusCreated)
	msg := decode[chat.Message](t, rec)
	if msg.Body != "Hi" || msg.SenderID != "w1" || msg.ConversationID == "" {
		t.Fatalf("message = %+v", msg)
	}

	rec = f.do(t, http.MethodGet, "/api/conversations", "e1", nil)
	expect(t, rec, http.StatusOK)
	convs := decode[[]conversationView](t, rec)
	if len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].Counterpart.ID != "w1" || convs[0].Job == nil {
		t.Fatalf("conversations = %+v", convs)
	}

	rec = f.do(t, http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", "e1", nil)
	expect(t, rec, http.StatusOK)
	if msgs := decode[[]chat.Message](t, rec); len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("messages = %+v", msgs)
	}

	expect(t, f.do(t, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/read", "e1", nil), http.StatusNoContent)
	expect(t, f.do(t, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/read", "e1", nil), http.StatusNoContent)
	rec = f.do(t, http.MethodGet, "/api/conversations", "e1", nil)
	if convs := decode[[]conversationView](t, rec); convs[0].UnreadCount != 0 {
		t.Fatalf("unread after read = %d", convs[0].UnreadCount)
	}

	rec = f.do(t, http.MethodPost, "/api/messages", "e1", sendRequest{ConversationID: msg.ConversationID, Body: "Welcome"})
	expect(t, rec, http.StatusCreated)
	rec = f.do(t, http.MethodGet, "/api/conversations", "w1", nil)
	if convs := decode[[]conversationView](t, rec); len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].Counterpart.ID != "e1" {
		t.Fatalf("worker view = %+v", convs)
	}
}

func TestSessionAndNotifications(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	expect(t, f.do(t, http.MethodGet, "/api/notifications", "e1", nil), http.StatusConflict)
	expect(t, f.do(t, http.MethodPost, "/api/session", "w1", nil), http.StatusCreated)
	expect(t, f.do(t, http.MethodGet, "/api/notifications", "e1", nil), http.StatusConflict)

	rec := f.do(t, http.MethodPost, "/api/session", "e1", nil)
	expect(t, rec, http.StatusCreated)
	if sv := decode[sessionView](t, rec); sv.Actor.ID != "e1" {
		t.Fatalf("session = %+v", sv)
	}
	expect(t, f.do(t, http.MethodDelete, "/api/session", "w1", nil), http.StatusConflict)

	expect(t, f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{RecipientID: "e1", Body: "Hello"}), http.StatusCreated)

	var snap notifier.Snapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = f.do(t, http.MethodGet, "/api/notifications", "e1", nil)
		expect(t, rec, http.StatusOK)
		if snap = decode[notifier.Snapshot](t, rec); len(snap.Items) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snap.Items) != 1 || snap.Items[0].Preview != "Hello" || snap.Items[0].SenderID != "w1" {
		t.Fatalf("notifications = %+v", snap.Items)
	}

	id := snap.Items[0].ID
	expect(t, f.do(t, http.MethodDelete, "/api/notifications/"+id, "e1", nil), http.StatusNoContent)
	expect(t, f.do(t, http.MethodDelete, "/api/notifications/"+id, "e1", nil), http.StatusNotFound)

	expect(t, f.do(t, http.MethodDelete, "/api/session", "e1", nil), http.StatusNoContent)
	expect(t, f.do(t, http.MethodGet, "/api/notifications", "e1", nil), http.StatusConflict)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{RecipientID: "e1", Body: "   "})
	expect(t, rec, http.StatusBadRequest)
	if body := decode[errorBody](t, rec); body.Field != "body" {
		t.Fatalf("error body = %+v", body)
	}

	expect(t, f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{RecipientID: "ghost", Body: "Hi"}), http.StatusForbidden)
	expect(t, f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{ConversationID: "missing", Body: "Hi"}), http.StatusNotFound)
	expect(t, f.do(t, http.MethodGet, "/api/conversations/missing/messages", "w1", nil), http.StatusNotFound)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.tokens["w1"])
	bad := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(bad, req)
	expect(t, bad, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{RecipientID: "e1", Body: "Hi"})
	expect(t, rec, http.StatusCreated)
	convID := decode[chat.Message](t, rec).ConversationID
	expect(t, f.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "e2", nil), http.StatusForbidden)
	expect(t, f.do(t, http.MethodPost, "/api/conversations/"+convID+"/read", "e2", nil), http.StatusForbidden)

	f.app.Composer().Apply(composer.Config{RatePerSec: 0.001, Burst: 1})
	expect(t, f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{ConversationID: convID, Body: "one"}), http.StatusCreated)
	expect(t, f.do(t, http.MethodPost, "/api/messages", "w1", sendRequest{ConversationID: convID, Body: "two"}), http.StatusTooManyRequests)

	if err := f.app.Store().Close(); err != nil {
		t.Fatal(err)
	}
	expect(t, f.do(t, http.MethodGet, "/api/conversations", "e1", nil), http.StatusServiceUnavailable)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{chat.Invalid("body", "empty"), http.StatusBadRequest},
		{&chat.UnknownActorError{ActorID: "x"}, http.StatusForbidden},
		{chat.ErrNotFound, http.StatusNotFound},
		{chat.ErrNoSession, http.StatusConflict},
		{chat.ErrRateLimited, http.StatusTooManyRequests},
		{chat.WrapStore("get", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{identity.ErrInvalidToken, http.StatusUnauthorized},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
