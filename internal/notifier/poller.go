package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobchat/internal/chat"
	"jobchat/internal/eventbus"
	rtsup "jobchat/internal/runtime/supervisor"
	logx "jobchat/pkg/logx"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultDismissAfter = 5 * time.Second
	DefaultProbability  = 0.1
)

// Config controls one session's poller.
type Config struct {
	// Enabled turns the simulated inbound schedule on. The message.sent
	// hook runs regardless.
	Enabled      bool
	Interval     time.Duration
	Probability  float64
	DismissAfter time.Duration
	MaxVisible   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DismissAfter <= 0 {
		c.DismissAfter = DefaultDismissAfter
	}
	if c.Probability < 0 {
		c.Probability = 0
	}
	if c.Probability > 1 {
		c.Probability = 1
	}
	if c.MaxVisible < 0 {
		c.MaxVisible = 0
	}
	return c
}

type probabilitySetter interface {
	SetProbability(p float64)
}

// Poller delivers inbound events for one actor into its Feed and owns the
// auto-dismiss timers. It is safe for concurrent use.
type Poller struct {
	actor chat.Participant
	feed  *Feed
	src   Source
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	timers  map[string]*time.Timer
	started bool
	stopped bool
	cron    *cron.Cron
	entry   cron.EntryID
	sup     *rtsup.Supervisor
	unsub   func()
}

func NewPoller(actor chat.Participant, src Source, bus eventbus.Bus, cfg Config, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if ps, ok := src.(probabilitySetter); ok {
		ps.SetProbability(cfg.Probability)
	}
	return &Poller{
		actor:  actor,
		feed:   NewFeed(cfg.MaxVisible),
		src:    src,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier"), logx.String("actor", actor.ID)),
		cfg:    cfg,
		timers: map[string]*time.Timer{},
	}
}

func (p *Poller) Feed() *Feed { return p.feed }

func (p *Poller) Actor() chat.Participant { return p.actor }

// Start begins the schedule and the message.sent hook. Calling it again,
// or after Stop, does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	if p.bus != nil {
		ch, unsub := p.bus.Subscribe(64)
		p.unsub = unsub
		p.sup.GoRestart("notifier.inbox", func(ctx context.Context) error {
			return p.listen(ctx, ch)
		})
	}

	cl := cronLogger{log: p.log}
	p.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	p.scheduleLocked()
	p.cron.Start()
	p.log.Debug("poller started",
		logx.Bool("simulation", p.cfg.Enabled),
		logx.Duration("interval", p.cfg.Interval))
}

func (p *Poller) scheduleLocked() {
	if p.entry != 0 {
		p.cron.Remove(p.entry)
		p.entry = 0
	}
	if !p.cfg.Enabled {
		return
	}
	sup := p.sup
	p.entry = p.cron.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		p.Tick(sup.Context())
	}))
}

func (p *Poller) listen(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeMessageSent {
				continue
			}
			sent, ok := ev.Data.(eventbus.MessageSent)
			if !ok {
				continue
			}
			for _, id := range sent.Recipients() {
				if id != p.actor.ID {
					continue
				}
				p.Deliver(Inbound{
					ConversationID: sent.Conversation.ID,
					SenderID:       sent.Message.SenderID,
					SenderName:     sent.Message.SenderName,
					Body:           sent.Message.Body,
					At:             sent.Message.CreatedAt,
				})
			}
		}
	}
}

// Tick polls the source once. Failures are logged and the tick is skipped.
func (p *Poller) Tick(ctx context.Context) {
	p.mu.Lock()
	stopped, src := p.stopped, p.src
	p.mu.Unlock()
	if stopped || src == nil {
		return
	}
	in, ok, err := src.Next(ctx, p.actor)
	if err != nil {
		p.log.Debug("inbound synthesis failed, skipping tick", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	p.Deliver(in)
}

// Deliver turns in into a visible notification and arms its dismiss
// timer. It reports false once the poller is stopped.
func (p *Poller) Deliver(in Inbound) (chat.Notification, bool) {
	at := in.At
	if at.IsZero() {
		at = chat.Now()
	}
	n := chat.Notification{
		ID:             chat.NewID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Preview:        chat.Preview(in.Body),
		CreatedAt:      at,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return chat.Notification{}, false
	}
	ok, evicted := p.feed.push(n)
	if !ok {
		return chat.Notification{}, false
	}
	for _, id := range evicted {
		p.stopTimerLocked(id)
		p.publish(eventbus.TypeNotifyDismissed, id, ReasonEvicted)
	}
	id := n.ID
	p.timers[id] = time.AfterFunc(p.cfg.DismissAfter, func() { p.expire(id) })
	p.publish(eventbus.TypeNotifyShown, id, "")
	p.log.Debug("notification shown", logx.String("id", id), logx.String("sender", n.SenderID))
	return n, true
}

func (p *Poller) expire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.timers[id]; !ok {
		return
	}
	delete(p.timers, id)
	if p.feed.Dismiss(id) {
		p.publish(eventbus.TypeNotifyDismissed, id, ReasonTimeout)
	}
}

// Dismiss removes a notification on user request. A second dismissal, or
// one racing the timeout, is a no-op that reports false.
func (p *Poller) Dismiss(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopTimerLocked(id)
	if !p.feed.Dismiss(id) {
		return false
	}
	p.publish(eventbus.TypeNotifyDismissed, id, ReasonUser)
	return true
}

func (p *Poller) stopTimerLocked(id string) {
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

// Pending is the number of armed dismiss timers.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *Poller) publish(typ, id, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.NotificationLifecycle{ActorID: p.actor.ID, NotificationID: id, Reason: reason},
	})
}

// Apply changes interval, probability, dismiss delay and feed bound. The
// new delay applies to notifications shown afterwards.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cfg
	p.cfg = cfg
	p.feed.SetMaxVisible(cfg.MaxVisible)
	if ps, ok := p.src.(probabilitySetter); ok {
		ps.SetProbability(cfg.Probability)
	}
	if p.started && !p.stopped && (old.Interval != cfg.Interval || old.Enabled != cfg.Enabled) {
		p.scheduleLocked()
		p.log.Info("poller rescheduled",
			logx.Bool("simulation", cfg.Enabled),
			logx.Duration("interval", cfg.Interval))
	}
}

// Stop halts the schedule, waits for an in-flight tick, drops the bus
// subscription, cancels every dismiss timer and closes the feed. It is
// idempotent.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	c, sup, unsub := p.cron, p.sup, p.unsub
	p.mu.Unlock()

	var err error
	if sup != nil {
		sup.Cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			err = fmt.Errorf("waiting for tick: %w", ctx.Err())
		}
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		if werr := sup.Wait(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	p.feed.Close()
	p.log.Debug("poller stopped")
	return err
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
