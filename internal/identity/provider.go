// Package identity resolves who is acting.
//
// The core never caches identity across sessions: every operation asks the
// Provider again, and the Directory publishes identity.changed so the app
// can tear a session down as soon as the actor signs out.
package identity

import (
	"context"

	"jobchat/internal/chat"
)

// Provider is the read-only identity lookup the core consumes.
type Provider interface {
	// CurrentActor returns the signed-in actor, if any.
	CurrentActor(ctx context.Context) (chat.Participant, bool)
	// Lookup resolves id or returns a *chat.UnknownActorError.
	Lookup(ctx context.Context, id string) (chat.Participant, error)
}
