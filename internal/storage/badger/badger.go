// Package badger implements storage.Store on an embedded BadgerDB, for
// devices that run without a Redis server.
package badger

import (
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Store implements the storage.Store interface using BadgerDB
type Store struct {
	db             *badgerdb.DB
	tokenStore     *tokenStore
	recordingStore *recordingStore
	policyStore    *policyStore
	usageStore     *usageStore
}

// Open opens (or creates) the database described by cfg
func Open(cfg config.BadgerConfig, logger zerolog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badger dir is required for on-disk mode")
	}

	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badgerdb.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:             db,
		tokenStore:     &tokenStore{db: db},
		recordingStore: &recordingStore{db: db},
		policyStore:    &policyStore{db: db},
		usageStore:     &usageStore{db: db},
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
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

// getValue decodes the msgpack value stored at key into v
func getValue(txn *badgerdb.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, v)
	})
}

// setValue encodes v with msgpack and stores it at key
func setValue(txn *badgerdb.Txn, key []byte, v interface{}) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

// badgerLogger routes badger's logging into zerolog, dropping info and
// debug chatter
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error().Msgf(f, v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn().Msgf(f, v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
