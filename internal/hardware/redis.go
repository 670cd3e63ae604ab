package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisButtons reads the bus value an external daemon stores in a Redis key.
// A missing key reads as idle.
type RedisButtons struct {
	client *redis.Client
	key    string
}

// NewRedisButtons creates a Redis-backed button bus.
func NewRedisButtons(client *redis.Client, key string) *RedisButtons {
	return &RedisButtons{client: client, key: key}
}

// ReadButtons implements ButtonBus. Values may be decimal or 0x-prefixed hex.
func (r *RedisButtons) ReadButtons(ctx context.Context) (uint8, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return IdleButtons, nil
	}
	if err != nil {
		return IdleButtons, err
	}

	n, err := strconv.ParseUint(strings.TrimSpace(val), 0, 8)
	if err != nil {
		return IdleButtons, fmt.Errorf("invalid button value %q: %w", val, err)
	}
	return uint8(n), nil
}

// RedisToken reads the id of the token on the reader from a Redis key. An
// empty or missing key means no token.
type RedisToken struct {
	client *redis.Client
	key    string
}

// NewRedisToken creates a Redis-backed token reader.
func NewRedisToken(client *redis.Client, key string) *RedisToken {
	return &RedisToken{client: client, key: key}
}

// ReadToken implements TokenReader.
func (r *RedisToken) ReadToken(ctx context.Context) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id := strings.ToLower(strings.TrimSpace(val))
	return id, id != "", nil
}
