package policy

import (
	"context"

	"github.com/goodtune/kspeaker/internal/storage"
)

// Evaluator turns facts into a decision.
type Evaluator interface {
	Evaluate(ctx context.Context, facts Facts) (Decision, error)
}

// NativeEvaluator evaluates the rules in Go. Rule order: no-track,
// access list, quiet hours, daily limit.
type NativeEvaluator struct{}

// Evaluate implements Evaluator.
func (NativeEvaluator) Evaluate(_ context.Context, f Facts) (Decision, error) {
	if f.Action == ActionPlay && f.TrackRef == "" {
		return Block(ReasonNoTrack), nil
	}

	s := f.Settings
	if !s.Enabled {
		return Allow(), nil
	}

	listed := s.Listed(f.TokenID)
	if s.AccessMode == storage.AccessWhitelist && !listed {
		return Block(ReasonAccessDenied), nil
	}
	if s.AccessMode != storage.AccessWhitelist && listed {
		return Block(ReasonAccessDenied), nil
	}

	if s.QuietHours.Enabled && f.QuietValid && InWindow(f.MinuteOfDay, f.QuietStart, f.QuietEnd) {
		return Block(ReasonQuietHours), nil
	}

	if s.DailyLimitMinutes > 0 && f.UsageSeconds >= int64(s.DailyLimitMinutes)*60 {
		return Block(ReasonDailyLimit), nil
	}

	return Allow(), nil
}
