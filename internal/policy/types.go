package policy

import (
	"fmt"
	"time"

	"github.com/goodtune/kspeaker/internal/storage"
)

// Action is a gated playback action.
type Action string

const (
	ActionPlay     Action = "play"
	ActionResume   Action = "resume"
	ActionContinue Action = "continue" // periodic check while playing
)

// Reason tags a blocked decision.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNoTrack      Reason = "no-track"
	ReasonAccessDenied Reason = "access-denied"
	ReasonQuietHours   Reason = "quiet-hours"
	ReasonDailyLimit   Reason = "daily-limit"
	ReasonNoToken      Reason = "no-token"
	ReasonRecording    Reason = "recording"
	ReasonUnavailable  Reason = "unavailable"
)

// Request asks whether an action may proceed.
type Request struct {
	Action   Action
	TokenID  string
	TrackRef string
	// At is the evaluation time; zero means the engine clock.
	At time.Time
}

// Decision is the outcome of a check. Blocked decisions are feedback, not
// errors.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Block returns a blocking decision with reason.
func Block(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("blocked(%s)", d.Reason)
}

// Snapshot is the policy state read fresh for one decision.
type Snapshot struct {
	Settings   storage.PolicySettings
	UsageToday time.Duration
	At         time.Time
}

// Facts is the evaluator input derived from a request and snapshot.
type Facts struct {
	Action       Action
	TokenID      string
	TrackRef     string
	Settings     storage.PolicySettings
	MinuteOfDay  int
	QuietStart   int
	QuietEnd     int
	QuietValid   bool
	UsageSeconds int64
}

// Input renders the facts as the rego input document.
func (f Facts) Input() map[string]interface{} {
	list := f.Settings.AccessList
	if list == nil {
		list = []string{}
	}
	quietEnabled := f.Settings.QuietHours.Enabled && f.QuietValid

	return map[string]interface{}{
		"action":    string(f.Action),
		"token_id":  f.TokenID,
		"track_ref": f.TrackRef,
		"settings": map[string]interface{}{
			"enabled":      f.Settings.Enabled,
			"volume_limit": f.Settings.VolumeLimit,
			"quiet_hours": map[string]interface{}{
				"enabled": quietEnabled,
				"start":   f.Settings.QuietHours.Start,
				"end":     f.Settings.QuietHours.End,
			},
			"daily_limit_minutes": f.Settings.DailyLimitMinutes,
			"access_mode":         string(f.Settings.AccessMode),
			"access_list":         list,
		},
		"time": map[string]interface{}{
			"minute_of_day": f.MinuteOfDay,
			"quiet_start":   f.QuietStart,
			"quiet_end":     f.QuietEnd,
		},
		"usage": map[string]interface{}{
			"today_seconds": f.UsageSeconds,
		},
	}
}
