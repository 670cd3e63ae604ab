package redis

import (
	"context"
	"sort"
	"time"

	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/redis/go-redis/v9"
)

type tokenStore struct {
	client *redis.Client
}

// Get retrieves a token by ID
func (s *tokenStore) Get(ctx context.Context, id string) (*storage.Token, error) {
	data, err := s.client.HGetAll(ctx, tokenKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseToken(data)
}

// GetOrCreate returns a token, registering it first when unknown
func (s *tokenStore) GetOrCreate(ctx context.Context, id, name string) (*storage.Token, bool, error) {
	keys := []string{tokenKey(id), tokensSet}
	created, err := getOrCreateTokenScript.Run(ctx, s.client, keys, id, name, formatTime(time.Now())).Int()
	if err != nil {
		return nil, false, err
	}

	token, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return token, created == 1, nil
}

// List returns all registered tokens ordered by name
func (s *tokenStore) List(ctx context.Context) ([]storage.Token, error) {
	ids, err := s.client.SMembers(ctx, tokensSet).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Token{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tokenKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	tokens := make([]storage.Token, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		token, err := parseToken(data)
		if err == nil {
			tokens = append(tokens, *token)
		}
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Name < tokens[j].Name })
	return tokens, nil
}

// SetAssignment assigns a track to an existing token
func (s *tokenStore) SetAssignment(ctx context.Context, id, trackRef, trackName string) error {
	return s.update(ctx, id, "track_ref", trackRef, "track_name", trackName)
}

// ClearAssignment removes the token's track assignment
func (s *tokenStore) ClearAssignment(ctx context.Context, id string) error {
	return s.update(ctx, id, "track_ref", "", "track_name", "")
}

// Rename changes the token's display name
func (s *tokenStore) Rename(ctx context.Context, id, name string) error {
	return s.update(ctx, id, "name", name)
}

func (s *tokenStore) update(ctx context.Context, id string, fields ...interface{}) error {
	args := append(fields, "updated_at", formatTime(time.Now()))
	ok, err := updateTokenScript.Run(ctx, s.client, []string{tokenKey(id)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a token
func (s *tokenStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, tokenKey(id))
	pipe.SRem(ctx, tokensSet, id)
	_, err := pipe.Exec(ctx)
	return err
}
