package redis

import (
	"context"

	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/redis/go-redis/v9"
)

type recordingStore struct {
	client *redis.Client
}

// Add stores a recording
func (s *recordingStore) Add(ctx context.Context, rec storage.Recording) error {
	keys := []string{recordingKey(rec.ID), recordingsIndex, recordingTokenIndex(rec.TokenID)}
	args := append([]interface{}{rec.ID, rec.CreatedAt.UnixMilli()}, recordingFields(rec)...)
	return addRecordingScript.Run(ctx, s.client, keys, args...).Err()
}

// Get retrieves a recording by ID
func (s *recordingStore) Get(ctx context.Context, id string) (*storage.Recording, error) {
	data, err := s.client.HGetAll(ctx, recordingKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseRecording(data)
}

// Latest returns the newest recording for a token, or overall when tokenID
// is empty
func (s *recordingStore) Latest(ctx context.Context, tokenID string) (*storage.Recording, error) {
	index := recordingsIndex
	if tokenID != "" {
		index = recordingTokenIndex(tokenID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, ids[0])
}

// List returns recordings newest first
func (s *recordingStore) List(ctx context.Context, tokenID string) ([]storage.Recording, error) {
	index := recordingsIndex
	if tokenID != "" {
		index = recordingTokenIndex(tokenID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Recording{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordingKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	recs := make([]storage.Recording, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		rec, err := parseRecording(data)
		if err == nil {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}

// Delete removes a recording and its index entries
func (s *recordingStore) Delete(ctx context.Context, id string) error {
	tokenID, err := s.client.HGet(ctx, recordingKey(id), "token_id").Result()
	if err == redis.Nil {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordingKey(id))
	pipe.ZRem(ctx, recordingsIndex, id)
	pipe.ZRem(ctx, recordingTokenIndex(tokenID), id)
	_, err = pipe.Exec(ctx)
	return err
}
