package identity

import (
	"context"
	"strings"
	"sync"

	"jobchat/internal/chat"
	"jobchat/internal/eventbus"
	logx "jobchat/pkg/logx"
)

// Directory is an in-memory roster plus the current actor of this process.
// It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	roster  map[string]chat.Participant
	current string

	bus eventbus.Bus
	log logx.Logger
}

var _ Provider = (*Directory)(nil)

func NewDirectory(bus eventbus.Bus, log logx.Logger, people ...chat.Participant) (*Directory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Directory{roster: map[string]chat.Participant{}, bus: bus, log: log}
	for _, p := range people {
		if err := d.Upsert(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Upsert adds or replaces a roster entry.
func (d *Directory) Upsert(p chat.Participant) error {
	p.ID = strings.TrimSpace(p.ID)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.ID == "" {
		return chat.Invalid("participant.id", "is required")
	}
	if !p.Role.Valid() {
		return chat.Invalid("participant.role", "must be worker or employer")
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	d.mu.Lock()
	d.roster[p.ID] = p
	d.mu.Unlock()
	return nil
}

// SetOnline flips the presence flag of a roster entry.
func (d *Directory) SetOnline(id string, online bool) {
	d.mu.Lock()
	if p, ok := d.roster[id]; ok {
		p.Online = online
		d.roster[id] = p
	}
	d.mu.Unlock()
}

func (d *Directory) Lookup(ctx context.Context, id string) (chat.Participant, error) {
	if err := ctx.Err(); err != nil {
		return chat.Participant{}, err
	}
	d.mu.RLock()
	p, ok := d.roster[id]
	d.mu.RUnlock()
	if !ok {
		return chat.Participant{}, &chat.UnknownActorError{ActorID: id}
	}
	return p, nil
}

func (d *Directory) CurrentActor(ctx context.Context) (chat.Participant, bool) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == "" {
		return chat.Participant{}, false
	}
	p, ok := d.roster[d.current]
	return p, ok
}

// SignIn makes id the current actor. Switching actors publishes
// identity.changed; signing in again as the same actor does not.
func (d *Directory) SignIn(ctx context.Context, id string) (chat.Participant, error) {
	p, err := d.Lookup(ctx, id)
	if err != nil {
		return chat.Participant{}, err
	}
	d.mu.Lock()
	prev := d.current
	d.current = p.ID
	d.mu.Unlock()

	if prev != p.ID {
		d.log.Info("actor signed in", logx.String("actor", p.ID), logx.String("previous", prev))
		d.publish(prev, p.ID)
	}
	return p, nil
}

// SignOut clears the current actor.
func (d *Directory) SignOut() {
	d.mu.Lock()
	prev := d.current
	d.current = ""
	d.mu.Unlock()
	if prev != "" {
		d.log.Info("actor signed out", logx.String("actor", prev))
		d.publish(prev, "")
	}
}

func (d *Directory) publish(prev, cur string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeIdentityChanged, Data: eventbus.IdentityChanged{Previous: prev, Current: cur}})
}
