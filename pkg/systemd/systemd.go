// Package systemd speaks the sd_notify protocol. Outside a systemd unit
// (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"context"
	"time"

	logx "moodping/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
	log     logx.Logger

	notify   func(unsetEnvironment bool, state string) (bool, error)
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	return &Notifier{
		enabled:  enabled,
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// RunWatchdog pings the watchdog at half the configured interval while
// healthy reports true. It returns immediately when the unit has no
// WatchdogSec.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := n.watchdog(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
