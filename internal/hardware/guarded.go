package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kspeaker/internal/health"
	"github.com/goodtune/kspeaker/internal/metrics"
)

// guard applies the health policy shared by both guarded readers: failures
// are counted, a tripped device is only probed every recovery interval.
type guard struct {
	tracker  *health.Tracker
	recovery time.Duration

	mu        sync.Mutex
	lastProbe time.Time
}

// skip reports whether a failed device should not be read at now.
func (g *guard) skip(now time.Time) bool {
	if !g.tracker.Failed() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastProbe.IsZero() && now.Sub(g.lastProbe) < g.recovery {
		return true
	}
	g.lastProbe = now
	return false
}

func (g *guard) result(err error, now time.Time) *health.Transition {
	var tr *health.Transition
	if err != nil {
		metrics.HardwareFailures.WithLabelValues(g.tracker.Device()).Inc()
		tr = g.tracker.Failure(err)
	} else {
		tr = g.tracker.Success(now)
	}
	if tr != nil {
		metrics.HardwareHealth.WithLabelValues(tr.Device).Set(float64(tr.To))
		if tr.To == health.StatusFailed {
			g.mu.Lock()
			g.lastProbe = now
			g.mu.Unlock()
		}
	}
	return tr
}

// Err returns health.ErrHardwareFailed, wrapped with the device name, while
// the device is tripped.
func (g *guard) Err() error {
	return g.tracker.Err()
}

// Tracker returns the device's health tracker.
func (g *guard) Tracker() *health.Tracker {
	return g.tracker
}

// GuardedButtons wraps a ButtonBus. A failed read returns the previous
// value; a tripped bus returns idle.
type GuardedButtons struct {
	guard
	bus  ButtonBus
	last uint8
}

// NewGuardedButtons wraps bus with a tracker tripping after threshold
// consecutive failures.
func NewGuardedButtons(bus ButtonBus, tracker *health.Tracker, recovery time.Duration) *GuardedButtons {
	metrics.HardwareHealth.WithLabelValues(tracker.Device()).Set(float64(health.StatusHealthy))
	return &GuardedButtons{
		guard: guard{tracker: tracker, recovery: recovery},
		bus:   bus,
		last:  IdleButtons,
	}
}

// Read returns the bus value for this tick and any health transition.
func (g *GuardedButtons) Read(ctx context.Context, now time.Time) (uint8, *health.Transition) {
	if g.skip(now) {
		return IdleButtons, nil
	}

	v, err := g.bus.ReadButtons(ctx)
	tr := g.result(err, now)
	if err != nil {
		if g.tracker.Failed() {
			g.last = IdleButtons
		}
		return g.last, tr
	}
	g.last = v
	return v, tr
}

// TokenRead is one guarded token read.
type TokenRead struct {
	ID      string
	Present bool
}

// GuardedToken wraps a TokenReader. A failed read returns the previous
// value; a tripped reader reports no token.
type GuardedToken struct {
	guard
	reader TokenReader
	last   TokenRead
}

// NewGuardedToken wraps reader.
func NewGuardedToken(reader TokenReader, tracker *health.Tracker, recovery time.Duration) *GuardedToken {
	metrics.HardwareHealth.WithLabelValues(tracker.Device()).Set(float64(health.StatusHealthy))
	return &GuardedToken{
		guard:  guard{tracker: tracker, recovery: recovery},
		reader: reader,
	}
}

// Read returns the token read for this tick and any health transition.
func (g *GuardedToken) Read(ctx context.Context, now time.Time) (TokenRead, *health.Transition) {
	if g.skip(now) {
		return TokenRead{}, nil
	}

	id, present, err := g.reader.ReadToken(ctx)
	tr := g.result(err, now)
	if err != nil {
		if g.tracker.Failed() {
			g.last = TokenRead{}
		}
		return g.last, tr
	}
	g.last = TokenRead{ID: id, Present: present}
	return g.last, tr
}
