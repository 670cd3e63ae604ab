// Package usage accumulates playback time into per-day totals.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultFlushInterval is how often pending time is written while playing.
const DefaultFlushInterval = 30 * time.Second

// Tracker counts time spent Playing. Time is credited to the local calendar
// day it fell in, so a session crossing midnight is split across both days.
// Pending time is flushed to storage every flush interval and on Stop.
type Tracker struct {
	usageStore    storage.UsageStore
	flushInterval time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	session   *Session
	pending   map[string]time.Duration // date key -> unflushed time
	lastFlush time.Time
}

// Config holds tracker configuration
type Config struct {
	FlushInterval time.Duration
}

// NewTracker creates a new usage tracker
func NewTracker(usageStore storage.UsageStore, config Config, logger zerolog.Logger) *Tracker {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	return &Tracker{
		usageStore:    usageStore,
		flushInterval: config.FlushInterval,
		pending:       make(map[string]time.Duration),
		logger:        logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// Start begins a Playing session at now. Starting an active session is a
// no-op.
func (t *Tracker) Start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return
	}
	t.session = &Session{StartedAt: now, LastActivity: now}
	if t.lastFlush.IsZero() {
		t.lastFlush = now
	}
	t.logger.Debug().Time("started_at", now).Msg("Started usage session")
}

// Active reports whether a session is running.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Accumulate credits time up to now and flushes when the interval elapsed.
func (t *Tracker) Accumulate(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accumulateLocked(now)
	if now.Sub(t.lastFlush) < t.flushInterval {
		return nil
	}
	return t.flushLocked(ctx, now)
}

// Stop ends the session, crediting time up to now and flushing.
func (t *Tracker) Stop(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return t.flushLocked(ctx, now)
	}
	t.accumulateLocked(now)
	t.logger.Debug().
		Dur("duration", t.session.Accumulated).
		Msg("Finalized usage session")
	t.session = nil
	return t.flushLocked(ctx, now)
}

// Flush writes pending time to storage.
func (t *Tracker) Flush(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx, now)
}

// TodayUsage returns stored usage for now's date plus unflushed time.
func (t *Tracker) TodayUsage(ctx context.Context, now time.Time) (time.Duration, error) {
	date := storage.DateKey(now)

	var stored time.Duration
	daily, err := t.usageStore.GetDailyUsage(ctx, date)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("failed to query daily usage: %w", err)
	}
	if err == nil && daily != nil {
		stored = time.Duration(daily.TotalSeconds) * time.Second
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	usage := stored + t.pending[date]
	if t.session != nil && now.After(t.session.LastActivity) {
		from := t.session.LastActivity
		if midnight := startOfDay(now); from.Before(midnight) {
			from = midnight
		}
		usage += now.Sub(from)
	}
	return usage, nil
}

// GetUsageStats returns today's usage against a daily limit. A zero limit
// never reports exceeded.
func (t *Tracker) GetUsageStats(ctx context.Context, now time.Time, dailyLimit time.Duration) (*Stats, error) {
	today, err := t.TodayUsage(ctx, now)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TodayUsage: today}
	if dailyLimit > 0 {
		stats.RemainingToday = dailyLimit - today
		stats.LimitExceeded = today >= dailyLimit
		if stats.RemainingToday < 0 {
			stats.RemainingToday = 0
		}
	}

	t.mu.Lock()
	if t.session != nil {
		s := *t.session
		stats.ActiveSession = &s
	}
	t.mu.Unlock()

	return stats, nil
}

// accumulateLocked splits [LastActivity, now) at local midnights into pending.
func (t *Tracker) accumulateLocked(now time.Time) {
	if t.session == nil || !now.After(t.session.LastActivity) {
		return
	}

	from := t.session.LastActivity
	for from.Before(now) {
		next := startOfDay(from).AddDate(0, 0, 1)
		if next.After(now) {
			next = now
		}
		t.pending[storage.DateKey(from)] += next.Sub(from)
		from = next
	}
	t.session.Accumulated += now.Sub(t.session.LastActivity)
	t.session.LastActivity = now
}

// flushLocked writes whole seconds of pending time, keeping the remainder.
func (t *Tracker) flushLocked(ctx context.Context, now time.Time) error {
	t.lastFlush = now
	if len(t.pending) == 0 {
		return nil
	}

	dates := make([]string, 0, len(t.pending))
	for date := range t.pending {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	for _, date := range dates {
		seconds := int64(t.pending[date] / time.Second)
		if seconds == 0 {
			continue
		}
		if err := t.usageStore.IncrementDailyUsage(ctx, date, seconds); err != nil {
			return fmt.Errorf("failed to aggregate daily usage: %w", err)
		}
		metrics.UsageSecondsConsumed.Add(float64(seconds))

		t.pending[date] -= time.Duration(seconds) * time.Second
		if t.pending[date] == 0 {
			delete(t.pending, date)
		}

		t.logger.Debug().
			Str("date", date).
			Int64("seconds", seconds).
			Msg("Flushed usage to daily total")
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
