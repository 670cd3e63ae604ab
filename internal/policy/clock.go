package policy

import (
	"sync"
	"time"
)

// Clock provides time information for policy evaluation.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides controllable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CurrentTime
}

// Advance moves the test time forward.
func (t *TestClock) Advance(d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = t.CurrentTime.Add(d)
	return t.CurrentTime
}
