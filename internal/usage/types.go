package usage

import (
	"time"
)

// Session is one continuous stretch of Playing time.
type Session struct {
	StartedAt    time.Time
	LastActivity time.Time
	Accumulated  time.Duration
}

// Stats describes today's usage against a daily limit.
type Stats struct {
	TodayUsage     time.Duration
	RemainingToday time.Duration
	LimitExceeded  bool
	ActiveSession  *Session
}
