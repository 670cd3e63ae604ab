package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Tokens() TokenStore
	Recordings() RecordingStore
	Policy() PolicyStore
	Usage() UsageStore
}

// TokenStore manages token records and their track assignments.
type TokenStore interface {
	Get(ctx context.Context, id string) (*Token, error)
	// GetOrCreate returns the token, registering it with name when unknown.
	// The boolean reports whether a new record was created.
	GetOrCreate(ctx context.Context, id, name string) (*Token, bool, error)
	List(ctx context.Context) ([]Token, error)
	SetAssignment(ctx context.Context, id, trackRef, trackName string) error
	ClearAssignment(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
}

// RecordingStore manages saved voice recordings.
type RecordingStore interface {
	Add(ctx context.Context, rec Recording) error
	Get(ctx context.Context, id string) (*Recording, error)
	// Latest returns the most recent recording for a token, or across all
	// tokens when tokenID is empty.
	Latest(ctx context.Context, tokenID string) (*Recording, error)
	List(ctx context.Context, tokenID string) ([]Recording, error)
	Delete(ctx context.Context, id string) error
}

// PolicyStore holds the parental control settings.
type PolicyStore interface {
	// Get returns the stored settings, or ErrNotFound when none were saved.
	Get(ctx context.Context) (*PolicySettings, error)
	Put(ctx context.Context, settings PolicySettings) error
}

// UsageStore manages daily playback usage.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, date string) (*DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, date string, seconds int64) error
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// DateFormat is the layout of usage date keys.
const DateFormat = "2006-01-02"

// DateKey formats t as a usage date key in t's location.
func DateKey(t time.Time) string {
	return t.Format(DateFormat)
}
