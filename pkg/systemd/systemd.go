// Package systemd reports service state to the service manager through the
// sd_notify protocol. Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tokfresh/pkg/logx"
)

// Notifier sends sd_notify messages. The zero value is usable.
type Notifier struct {
	Log logx.Logger
}

func (n Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready marks startup complete (Type=notify units).
func (n Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping marks the beginning of shutdown.
func (n Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(text string) bool { return n.send("STATUS=" + text) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is not set for the unit.
func (n Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
