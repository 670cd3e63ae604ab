package policy

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MinuteOfDay returns minutes since local midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// InWindow reports whether minute falls in [start, end), where the window
// may wrap past midnight. start == end is an empty window.
func InWindow(minute, start, end int) bool {
	span := ((end-start)%minutesPerDay + minutesPerDay) % minutesPerDay
	offset := ((minute-start)%minutesPerDay + minutesPerDay) % minutesPerDay
	return offset < span
}
