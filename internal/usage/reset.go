package usage

import (
	"context"
	"time"

	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how long daily totals are kept.
const DefaultRetentionDays = 90

// ResetScheduler prunes old daily totals shortly after each local midnight.
// Today's total resets implicitly because usage is keyed by date.
type ResetScheduler struct {
	usageStore    storage.UsageStore
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
	now           func() time.Time
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(usageStore storage.UsageStore, retentionDays int, logger zerolog.Logger) *ResetScheduler {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &ResetScheduler{
		usageStore:    usageStore,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Int("retention_days", rs.retentionDays).
		Msg("Daily usage cleanup scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily usage cleanup scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	for {
		nextReset := nextMidnight(rs.now())
		waitDuration := time.Until(nextReset)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily cleanup")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = rs.PerformReset(ctx)
			cancel()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// PerformReset deletes daily totals older than the retention period.
func (rs *ResetScheduler) PerformReset(ctx context.Context) (int, error) {
	cutoffDate := storage.DateKey(rs.now().AddDate(0, 0, -rs.retentionDays))

	deleted, err := rs.usageStore.DeleteDailyUsageBefore(ctx, cutoffDate)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old daily usage data")
		return 0, err
	}

	rs.logger.Info().
		Int("rows_deleted", deleted).
		Str("cutoff_date", cutoffDate).
		Msg("Daily usage cleanup complete")
	return deleted, nil
}

// nextMidnight returns the first local midnight strictly after now.
func nextMidnight(now time.Time) time.Time {
	return startOfDay(now).AddDate(0, 0, 1)
}
