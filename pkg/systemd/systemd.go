// Package systemd reports service state to the service manager.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset), so the daemon can call them unconditionally.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobchat/pkg/logx"
)

type Notifier struct {
	log    logx.Logger
	notify func(unsetEnv bool, state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, notify: daemon.SdNotify}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
	return sent
}

// Ready tells systemd startup finished.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloading brackets a config reload; call Ready again afterwards.
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Watchdog pings the watchdog at half the configured interval until ctx
// ends. It returns at once when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
