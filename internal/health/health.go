// Package health tracks consecutive failures of hardware devices and trips a
// device offline when it keeps failing.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrHardwareFailed is reported by Err for a tripped device.
var ErrHardwareFailed = errors.New("hardware device failed")

// Status is the health of a single device.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusFailed
)

// degradedAfter is the number of consecutive failures before a device is
// reported as degraded.
const degradedAfter = 3

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition describes a status change produced by Success or Failure.
type Transition struct {
	Device string
	From   Status
	To     Status
}

// Tracker counts consecutive failures for one device.
type Tracker struct {
	mu        sync.Mutex
	device    string
	threshold int
	failures  int
	total     int
	lastErr   error
	lastOK    time.Time
	status    Status
	logger    zerolog.Logger
}

// NewTracker creates a tracker that trips after threshold consecutive failures.
func NewTracker(device string, threshold int, logger zerolog.Logger) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{
		device:    device,
		threshold: threshold,
		logger:    logger.With().Str("component", "health").Str("device", device).Logger(),
	}
}

// Device returns the tracked device name.
func (t *Tracker) Device() string {
	return t.device
}

// Success resets the failure counter. A non-nil transition is returned when
// the device recovers.
func (t *Tracker) Success(now time.Time) *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
	t.lastOK = now
	t.lastErr = nil
	return t.setStatus(StatusHealthy)
}

// Failure counts one failed operation. A non-nil transition is returned when
// the status changes.
func (t *Tracker) Failure(err error) *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	t.total++
	t.lastErr = err

	next := StatusHealthy
	switch {
	case t.failures >= t.threshold:
		next = StatusFailed
	case t.failures >= degradedAfter:
		next = StatusDegraded
	}

	// Log the first few failures, then only at the threshold
	if t.failures <= degradedAfter || t.failures == t.threshold {
		t.logger.Warn().Err(err).Int("consecutive", t.failures).Msg("Device read failed")
	}

	return t.setStatus(next)
}

func (t *Tracker) setStatus(next Status) *Transition {
	if next == t.status {
		return nil
	}
	tr := &Transition{Device: t.device, From: t.status, To: next}
	t.status = next

	switch next {
	case StatusFailed:
		t.logger.Error().Err(t.lastErr).Int("threshold", t.threshold).Msg("Device marked failed")
	case StatusHealthy:
		t.logger.Info().Str("from", tr.From.String()).Msg("Device recovered")
	}
	return tr
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Failed reports whether the device is tripped.
func (t *Tracker) Failed() bool {
	return t.Status() == StatusFailed
}

// Err returns an error wrapping ErrHardwareFailed while the device is tripped,
// and nil otherwise.
func (t *Tracker) Err() error {
	if !t.Failed() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHardwareFailed, t.device)
}

// ConsecutiveFailures returns the current failure run length.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.total = 0
	t.lastErr = nil
	t.status = StatusHealthy
}
