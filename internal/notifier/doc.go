// Package notifier owns the session-scoped notification pipeline.
//
// A Poller runs per active session. It asks a Source (the Simulator by
// default) for inbound events on a robfig/cron schedule, and it listens on
// the event bus for message.sent events addressed to the session actor.
// Each inbound becomes a chat.Notification in the Feed and is dismissed
// automatically after Config.DismissAfter unless the user dismisses it
// first.
//
// # Lifecycle
//
// Pending → Visible (pushed into the Feed) → Dismissed (timeout, user, or
// eviction). Dismissed is terminal: the Feed rejects the id afterwards, and
// a timeout racing a user dismissal is a no-op for whichever comes second.
//
// Stop tears everything down: the schedule, the bus subscription, every
// dismiss timer and finally the Feed itself, after which no mutation can
// happen.
//
// Locking: Poller.mu is always taken before Feed.mu.
package notifier
