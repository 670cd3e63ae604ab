package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/redis/go-redis/v9"
)

type policyStore struct {
	client *redis.Client
}

// Get reads the settings document
func (s *policyStore) Get(ctx context.Context) (*storage.PolicySettings, error) {
	raw, err := s.client.Get(ctx, policyKey).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var settings storage.PolicySettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode policy settings: %w", err)
	}
	return &settings, nil
}

// Put replaces the settings document
func (s *policyStore) Put(ctx context.Context, settings storage.PolicySettings) error {
	settings.UpdatedAt = time.Now()
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode policy settings: %w", err)
	}
	return s.client.Set(ctx, policyKey, raw, 0).Err()
}
