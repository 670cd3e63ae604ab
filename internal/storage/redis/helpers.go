package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kspeaker/internal/storage"
)

func tokenKey(id string) string {
	return keyPrefix + "token:" + id
}

func recordingKey(id string) string {
	return keyPrefix + "recording:" + id
}

func recordingTokenIndex(tokenID string) string {
	return keyPrefix + "recordings:token:" + tokenID
}

func dailyUsageKey(date string) string {
	return keyPrefix + "usage:daily:" + date
}

const (
	tokensSet       = keyPrefix + "tokens"
	recordingsIndex = keyPrefix + "recordings"
	policyKey       = keyPrefix + "policy"
	usageIndexKey   = keyPrefix + "usage:daily:index"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseToken converts a Redis hash to Token
func parseToken(data map[string]string) (*storage.Token, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Token{
		ID:        data["id"],
		Name:      data["name"],
		TrackRef:  data["track_ref"],
		TrackName: data["track_name"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// recordingFields flattens a Recording into HSET arguments
func recordingFields(rec storage.Recording) []interface{} {
	return []interface{}{
		"id", rec.ID,
		"token_id", rec.TokenID,
		"token_name", rec.TokenName,
		"track_ref", rec.TrackRef,
		"path", rec.Path,
		"started_at", formatTime(rec.StartedAt),
		"duration_ms", rec.Duration.Milliseconds(),
		"size_bytes", rec.SizeBytes,
		"created_at", formatTime(rec.CreatedAt),
	}
}

// parseRecording converts a Redis hash to Recording
func parseRecording(data map[string]string) (*storage.Recording, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	durationMs, err := strconv.ParseInt(data["duration_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_ms: %w", err)
	}

	size, err := strconv.ParseInt(data["size_bytes"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size_bytes: %w", err)
	}

	return &storage.Recording{
		ID:        data["id"],
		TokenID:   data["token_id"],
		TokenName: data["token_name"],
		TrackRef:  data["track_ref"],
		Path:      data["path"],
		StartedAt: startedAt,
		Duration:  time.Duration(durationMs) * time.Millisecond,
		SizeBytes: size,
		CreatedAt: createdAt,
	}, nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	return &storage.DailyUsage{
		Date:         data["date"],
		TotalSeconds: totalSeconds,
	}, nil
}
