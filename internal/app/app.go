package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobchat/internal/chat"
	"jobchat/internal/composer"
	"jobchat/internal/config"
	"jobchat/internal/eventbus"
	"jobchat/internal/identity"
	"jobchat/internal/notifier"
	"jobchat/internal/registry"
	"jobchat/internal/runtime/supervisor"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

// Deps are optional collaborators. Anything left nil is built from the
// config.
type Deps struct {
	Log   logx.Logger
	Logs  *logx.Service
	Bus   eventbus.Bus
	Store storage.Store
	// Config, when set, is watched for hot reloads after Start.
	Config *config.ConfigManager
	// Source replaces the simulated inbound source of every session.
	Source notifier.Source
}

// App wires the conversation engine and owns the single active session.
type App struct {
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	cfgm  *config.ConfigManager

	dir  *identity.Directory
	reg  *registry.Registry
	comp *composer.Composer
	src  notifier.Source
	demo []chat.Participant
	seed int64

	sup *supervisor.Supervisor

	mu      sync.Mutex
	ncfg    notifier.Config
	session *Session
	closed  bool
}

// New builds the App from cfg. The store is opened here unless deps
// provides one.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	roster, err := mapPeople("identity.roster", cfg.Identity.Roster)
	if err != nil {
		return nil, err
	}
	demo, err := mapPeople("notifier.demo_senders", cfg.Notifier.DemoSenders)
	if err != nil {
		return nil, err
	}
	dir, err := identity.NewDirectory(bus, log.With(logx.String("comp", "identity")), append(roster, demo...)...)
	if err != nil {
		return nil, err
	}

	rcfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	store := deps.Store
	if store == nil {
		sc, err := MapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		log.Info("storage opened", logx.String("driver", sc.Driver))
	}

	reg := registry.New(store, dir, rcfg, log.With(logx.String("comp", "registry")))
	comp := composer.New(reg, store, dir, bus, mapComposerConfig(cfg), log.With(logx.String("comp", "composer")))

	return &App{
		log:   log.With(logx.String("comp", "app")),
		logs:  deps.Logs,
		bus:   bus,
		store: store,
		cfgm:  deps.Config,
		dir:   dir,
		reg:   reg,
		comp:  comp,
		src:   deps.Source,
		demo:  demo,
		seed:  cfg.Notifier.Seed,
		ncfg:  ncfg,
	}, nil
}

func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Directory() *identity.Directory { return a.dir }
func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Composer() *composer.Composer { return a.comp }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) runContext() context.Context {
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

// Start runs the identity watcher and, with a ConfigManager, the config
// watch and reload loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil || a.closed {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.mu.Unlock()

	events, unsub := a.bus.Subscribe(32)
	a.sup.Go("identity.watch", func(c context.Context) error {
		defer unsub()
		a.watchIdentity(c, events)
		return nil
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapNotifierConfig(cfg); err != nil {
				return err
			}
			if _, err := mapRegistryConfig(cfg); err != nil {
				return err
			}
			_, err := MapStorageConfig(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// watchIdentity ends the session when the directory's current actor is
// cleared or switches away from the session actor.
func (a *App) watchIdentity(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeIdentityChanged {
				continue
			}
			a.onIdentityChanged(ctx)
		}
	}
}

func (a *App) onIdentityChanged(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return
	}
	// Compare against the live identity, not the event: a late event from
	// an earlier switch must not end the session that replaced it.
	cur, ok := a.dir.CurrentActor(ctx)
	if ok && cur.ID == a.session.actor.ID {
		return
	}
	a.log.Info("identity changed; ending session", logx.String("actor", a.session.actor.ID))
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.endLocked(stopCtx, false)
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
			}
			if err := a.ApplyConfig(next); err != nil {
				a.log.Warn("config apply failed; keeping previous", logx.Err(err))
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config applied", fields...)
		}
	}
}

// ApplyConfig pushes the live-reloadable sections (logging, composer,
// notifier) into the running components. The active session picks up the
// notifier change immediately.
func (a *App) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if a.logs != nil {
		a.logs.Apply(MapLoggingConfig(cfg))
	}
	a.comp.Apply(mapComposerConfig(cfg))

	a.mu.Lock()
	a.ncfg = ncfg
	s := a.session
	a.mu.Unlock()
	if s != nil {
		s.poller.Apply(ncfg)
	}
	return nil
}

// Stop ends the session, stops background loops and closes the store.
// Each step is bounded so one slow component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("session", 3*time.Second, func(c context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.endLocked(c, true)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		a.sup.Cancel()
		return a.sup.Wait(c)
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// boundedContext derives a context that ends after max, never extending
// the parent's deadline.
func boundedContext(parent context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(parent)
	}
	if dl, ok := parent.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, max)
}
