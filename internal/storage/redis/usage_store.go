package redis

import (
	"context"

	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client *redis.Client
}

// GetDailyUsage retrieves usage for a specific date
func (s *usageStore) GetDailyUsage(ctx context.Context, date string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyUsageKey(date)).Result()
	if err != nil {
		return nil, err
	}
	return parseDailyUsage(data)
}

// IncrementDailyUsage atomically increments (or creates) daily usage
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, seconds int64) error {
	keys := []string{dailyUsageKey(date), usageIndexKey}
	return incrementDailyUsageScript.Run(ctx, s.client, keys, date, seconds).Err()
}

// DeleteDailyUsageBefore deletes daily usage entries before the cutoff date
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	dates, err := s.client.SMembers(ctx, usageIndexKey).Result()
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, date := range dates {
		// Date keys are YYYY-MM-DD so lexical order is chronological
		if date < cutoffDate {
			stale = append(stale, date)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, date := range stale {
		pipe.Del(ctx, dailyUsageKey(date))
		pipe.SRem(ctx, usageIndexKey, date)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}
