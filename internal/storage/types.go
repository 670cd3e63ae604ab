package storage

import (
	"slices"
	"time"
)

// Token is a physical token registered in the directory.
type Token struct {
	ID        string    `json:"id" msgpack:"id"`
	Name      string    `json:"name" msgpack:"name"`
	TrackRef  string    `json:"track_ref,omitempty" msgpack:"track_ref,omitempty"`
	TrackName string    `json:"track_name,omitempty" msgpack:"track_name,omitempty"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// HasTrack reports whether the token is assigned to a track.
func (t Token) HasTrack() bool {
	return t.TrackRef != ""
}

// Recording is a saved voice capture.
type Recording struct {
	ID        string        `json:"id" msgpack:"id"`
	TokenID   string        `json:"token_id" msgpack:"token_id"`
	TokenName string        `json:"token_name" msgpack:"token_name"`
	TrackRef  string        `json:"track_ref,omitempty" msgpack:"track_ref,omitempty"`
	Path      string        `json:"path" msgpack:"path"`
	StartedAt time.Time     `json:"started_at" msgpack:"started_at"`
	Duration  time.Duration `json:"duration" msgpack:"duration"`
	SizeBytes int64         `json:"size_bytes" msgpack:"size_bytes"`
	CreatedAt time.Time     `json:"created_at" msgpack:"created_at"`
}

// URI returns the playable reference of the recording.
func (r Recording) URI() string {
	return "file://" + r.Path
}

// AccessMode selects how the access list is interpreted.
type AccessMode string

const (
	AccessBlacklist AccessMode = "blacklist"
	AccessWhitelist AccessMode = "whitelist"
)

// QuietHours is a daily window, "HH:MM" in local time, which may cross
// midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled" msgpack:"enabled"`
	Start   string `json:"start" msgpack:"start"`
	End     string `json:"end" msgpack:"end"`
}

// PolicySettings are the persisted parental controls.
type PolicySettings struct {
	Enabled           bool       `json:"enabled" msgpack:"enabled"`
	VolumeLimit       int        `json:"volume_limit" msgpack:"volume_limit"`
	QuietHours        QuietHours `json:"quiet_hours" msgpack:"quiet_hours"`
	DailyLimitMinutes int        `json:"daily_limit_minutes" msgpack:"daily_limit_minutes"`
	AccessMode        AccessMode `json:"access_mode" msgpack:"access_mode"`
	AccessList        []string   `json:"access_list,omitempty" msgpack:"access_list,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at" msgpack:"updated_at"`
}

// DefaultPolicySettings returns the settings used when nothing is stored.
func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		Enabled:     false,
		VolumeLimit: 100,
		QuietHours: QuietHours{
			Enabled: false,
			Start:   "21:00",
			End:     "07:00",
		},
		DailyLimitMinutes: 0,
		AccessMode:        AccessBlacklist,
	}
}

// Listed reports whether id is in the access list.
func (p PolicySettings) Listed(id string) bool {
	return slices.Contains(p.AccessList, id)
}

// DailyUsage is the accumulated playback time of one calendar day.
type DailyUsage struct {
	Date         string `json:"date" msgpack:"date"`
	TotalSeconds int64  `json:"total_seconds" msgpack:"total_seconds"`
}
