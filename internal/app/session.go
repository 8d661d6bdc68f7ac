package app

import (
	"context"
	"fmt"
	"time"

	"jobchat/internal/chat"
	"jobchat/internal/composer"
	"jobchat/internal/notifier"
	logx "jobchat/pkg/logx"
)

// Session is the signed-in actor plus its notification feed. It is
// discarded on EndSession; nothing in it is persisted.
type Session struct {
	actor   chat.Participant
	poller  *notifier.Poller
	started time.Time
}

func (s *Session) Actor() chat.Participant { return s.actor }
func (s *Session) Feed() *notifier.Feed { return s.poller.Feed() }
func (s *Session) StartedAt() time.Time { return s.started }

// StartSession signs actorID in and starts its poller. A running session
// is ended first: there is at most one active session per App.
func (a *App) StartSession(ctx context.Context, actorID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("start session: %w", chat.ErrNoSession)
	}
	if a.session != nil {
		if err := a.endLocked(ctx, false); err != nil {
			a.log.Warn("previous session did not stop cleanly", logx.Err(err))
		}
	}

	actor, err := a.dir.SignIn(ctx, actorID)
	if err != nil {
		return nil, err
	}
	a.dir.SetOnline(actor.ID, true)

	src := a.src
	if src == nil {
		src = notifier.NewSimulator(a.reg, a.demo, a.ncfg.Probability, a.seed)
	}
	p := notifier.NewPoller(actor, src, a.bus, a.ncfg, a.log)
	p.Start(a.runContext())

	a.session = &Session{actor: actor, poller: p, started: chat.Now()}
	a.log.Info("session started", logx.String("actor", actor.ID), logx.String("role", string(actor.Role)))
	return a.session, nil
}

// EndSession stops the poller, discards the feed and signs the actor out.
// Ending when no session is active is a no-op.
func (a *App) EndSession(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endLocked(ctx, true)
}

func (a *App) endLocked(ctx context.Context, signOut bool) error {
	s := a.session
	if s == nil {
		return nil
	}
	a.session = nil
	err := s.poller.Stop(ctx)
	a.dir.SetOnline(s.actor.ID, false)
	if signOut {
		if cur, ok := a.dir.CurrentActor(ctx); ok && cur.ID == s.actor.ID {
			a.dir.SignOut()
		}
	}
	a.log.Info("session ended", logx.String("actor", s.actor.ID))
	return err
}

// Session returns the active session or chat.ErrNoSession.
func (a *App) Session() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, chat.ErrNoSession
	}
	return a.session, nil
}

// Dismiss removes a notification from the active feed and cancels its
// timer. It reports false when the id is not visible.
func (a *App) Dismiss(id string) (bool, error) {
	s, err := a.Session()
	if err != nil {
		return false, err
	}
	return s.poller.Dismiss(id), nil
}

// Send writes body as the session actor.
func (a *App) Send(ctx context.Context, target composer.Target, body string) (chat.Message, error) {
	s, err := a.Session()
	if err != nil {
		return chat.Message{}, err
	}
	return a.comp.Send(ctx, target, s.actor.ID, body)
}
