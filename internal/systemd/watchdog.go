package systemd

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Watchdog pets the systemd watchdog from the control loop. Beats are sent
// at half the configured interval, so a stalled loop lets the unit time out.
type Watchdog struct {
	interval time.Duration
	notify   func() error
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewWatchdog returns a watchdog, or nil when WatchdogSec is not set for
// this process.
func NewWatchdog() (*Watchdog, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval == 0 {
		return nil, nil
	}
	return newWatchdog(interval, notifyWatchdog), nil
}

func newWatchdog(interval time.Duration, notify func() error) *Watchdog {
	return &Watchdog{interval: interval / 2, notify: notify, now: time.Now}
}

func notifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// Interval is the time between beats.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

// Heartbeat sends WATCHDOG=1 if a beat is due. Safe on a nil Watchdog.
func (w *Watchdog) Heartbeat() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	now := w.now()
	if !w.last.IsZero() && now.Sub(w.last) < w.interval {
		w.mu.Unlock()
		return nil
	}
	w.last = now
	w.mu.Unlock()
	return w.notify()
}
