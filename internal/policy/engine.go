package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kspeaker/internal/metrics"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
)

// UsageSource reports today's accumulated playback time.
type UsageSource interface {
	TodayUsage(ctx context.Context, now time.Time) (time.Duration, error)
}

// Engine gathers facts from the policy store and usage source and asks an
// evaluator for a decision. Settings are read for every decision.
type Engine struct {
	store     storage.PolicyStore
	usage     UsageSource
	evaluator Evaluator
	clock     Clock
	logger    zerolog.Logger

	mu   sync.Mutex
	last *Snapshot // last successful read, used when the store is unreachable
}

// NewEngine creates a policy engine. A nil evaluator selects the native one.
func NewEngine(store storage.PolicyStore, usage UsageSource, evaluator Evaluator, logger zerolog.Logger) *Engine {
	if evaluator == nil {
		evaluator = NativeEvaluator{}
	}
	return &Engine{
		store:     store,
		usage:     usage,
		evaluator: evaluator,
		clock:     RealClock{},
		logger:    logger.With().Str("component", "policy").Logger(),
	}
}

// SetClock sets the clock for time-based policy evaluation (for testing)
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Settings reads the stored settings, falling back to defaults when none are
// saved.
func (e *Engine) Settings(ctx context.Context) (storage.PolicySettings, error) {
	settings, err := e.store.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultPolicySettings(), nil
	}
	if err != nil {
		return storage.PolicySettings{}, err
	}
	return *settings, nil
}

// Snapshot reads the current policy state.
func (e *Engine) Snapshot(ctx context.Context, at time.Time) (Snapshot, error) {
	if at.IsZero() {
		at = e.clock.Now()
	}

	settings, err := e.Settings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read policy settings: %w", err)
	}

	var used time.Duration
	if e.usage != nil {
		used, err = e.usage.TodayUsage(ctx, at)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to read usage: %w", err)
		}
	}

	snap := Snapshot{Settings: settings, UsageToday: used, At: at}
	e.mu.Lock()
	e.last = &snap
	e.mu.Unlock()
	return snap, nil
}

// snapshotOrLast reads a snapshot, reusing the last good one on failure.
func (e *Engine) snapshotOrLast(ctx context.Context, at time.Time) Snapshot {
	snap, err := e.Snapshot(ctx, at)
	if err == nil {
		return snap
	}

	e.mu.Lock()
	last := e.last
	e.mu.Unlock()

	if at.IsZero() {
		at = e.clock.Now()
	}
	if last != nil {
		e.logger.Warn().Err(err).Msg("Policy store unreachable, using last known settings")
		fallback := *last
		fallback.At = at
		return fallback
	}
	e.logger.Warn().Err(err).Msg("Policy store unreachable, using default settings")
	return Snapshot{Settings: storage.DefaultPolicySettings(), At: at}
}

// Facts derives evaluator input from a request and snapshot.
func (e *Engine) Facts(req Request, snap Snapshot) Facts {
	f := Facts{
		Action:       req.Action,
		TokenID:      req.TokenID,
		TrackRef:     req.TrackRef,
		Settings:     snap.Settings,
		MinuteOfDay:  MinuteOfDay(snap.At),
		UsageSeconds: int64(snap.UsageToday / time.Second),
	}

	if snap.Settings.QuietHours.Enabled {
		start, errStart := ParseClock(snap.Settings.QuietHours.Start)
		end, errEnd := ParseClock(snap.Settings.QuietHours.End)
		if errStart != nil || errEnd != nil {
			e.logger.Warn().
				Str("start", snap.Settings.QuietHours.Start).
				Str("end", snap.Settings.QuietHours.End).
				Msg("Ignoring quiet hours with invalid times")
		} else {
			f.QuietStart, f.QuietEnd, f.QuietValid = start, end, true
		}
	}
	return f
}

// Check decides whether req may proceed.
func (e *Engine) Check(ctx context.Context, req Request) Decision {
	snap := e.snapshotOrLast(ctx, req.At)
	return e.Evaluate(ctx, req, snap)
}

// Evaluate decides req against an already read snapshot.
func (e *Engine) Evaluate(ctx context.Context, req Request, snap Snapshot) Decision {
	facts := e.Facts(req, snap)

	decision, err := e.evaluator.Evaluate(ctx, facts)
	if err != nil {
		e.logger.Error().Err(err).Msg("Policy evaluation failed, using native rules")
		decision, _ = NativeEvaluator{}.Evaluate(ctx, facts)
	}

	if !decision.Allowed {
		metrics.BlockedActions.WithLabelValues(string(req.Action), string(decision.Reason)).Inc()
		e.logger.Debug().
			Str("action", string(req.Action)).
			Str("token", req.TokenID).
			Str("reason", string(decision.Reason)).
			Msg("Action blocked")
	}
	return decision
}

// VolumeLimit returns the current volume cap in percent.
func (e *Engine) VolumeLimit(ctx context.Context) int {
	snap := e.snapshotOrLast(ctx, time.Time{})
	if !snap.Settings.Enabled || snap.Settings.VolumeLimit <= 0 || snap.Settings.VolumeLimit > 100 {
		return 100
	}
	return snap.Settings.VolumeLimit
}

// ClampVolume clamps a requested volume to [0, cap]. It never blocks.
func (e *Engine) ClampVolume(ctx context.Context, percent int) int {
	limit := e.VolumeLimit(ctx)
	if percent > limit {
		return limit
	}
	if percent < 0 {
		return 0
	}
	return percent
}

// Reload reloads evaluator policies when supported.
func (e *Engine) Reload() error {
	if r, ok := e.evaluator.(interface{ Reload() error }); ok {
		return r.Reload()
	}
	e.logger.Info().Msg("Policy reload requested (native rules need no reload)")
	return nil
}
