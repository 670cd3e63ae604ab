package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key written by the store.
const keyPrefix = "kspeaker:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	tokenStore     *tokenStore
	recordingStore *recordingStore
	policyStore    *policyStore
	usageStore     *usageStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:         client,
		tokenStore:     &tokenStore{client: client},
		recordingStore: &recordingStore{client: client},
		policyStore:    &policyStore{client: client},
		usageStore:     &usageStore{client: client},
	}, nil
}

// NewClient builds a go-redis client from configuration without connecting.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}), nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying connection, shared with the pub/sub
// components.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Tokens returns the TokenStore implementation
func (s *Store) Tokens() storage.TokenStore {
	return s.tokenStore
}

// Recordings returns the RecordingStore implementation
func (s *Store) Recordings() storage.RecordingStore {
	return s.recordingStore
}

// Policy returns the PolicyStore implementation
func (s *Store) Policy() storage.PolicyStore {
	return s.policyStore
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}
