package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tokenPrefix     = "token/"
	recordingPrefix = "recording/"
	recIndexPrefix  = "recidx/"
	usagePrefix     = "usage/"
	policyKey       = "policy"
)

func tokenKey(id string) []byte {
	return []byte(tokenPrefix + id)
}

func recordingKey(id string) []byte {
	return []byte(recordingPrefix + id)
}

// recIndexKey orders recordings by creation time within a token. The empty
// token id ("") holds the global index.
func recIndexKey(tokenID string, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", recIndexPrefix, tokenID, created.UnixNano(), id))
}

func usageKey(date string) []byte {
	return []byte(usagePrefix + date)
}

type tokenStore struct {
	db *badgerdb.DB
}

func (s *tokenStore) Get(_ context.Context, id string) (*storage.Token, error) {
	var token storage.Token
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getValue(txn, tokenKey(id), &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *tokenStore) GetOrCreate(_ context.Context, id, name string) (*storage.Token, bool, error) {
	var token storage.Token
	created := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		err := getValue(txn, tokenKey(id), &token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		token = storage.Token{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
		created = true
		return setValue(txn, tokenKey(id), token)
	})
	if err != nil {
		return nil, false, err
	}
	return &token, created, nil
}

func (s *tokenStore) List(_ context.Context) ([]storage.Token, error) {
	tokens := []storage.Token{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(tokenPrefix)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var token storage.Token
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &token)
			}); err != nil {
				return err
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Name < tokens[j].Name })
	return tokens, nil
}

func (s *tokenStore) update(id string, mutate func(*storage.Token)) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var token storage.Token
		if err := getValue(txn, tokenKey(id), &token); err != nil {
			return err
		}
		mutate(&token)
		token.UpdatedAt = time.Now().UTC()
		return setValue(txn, tokenKey(id), token)
	})
}

func (s *tokenStore) SetAssignment(_ context.Context, id, trackRef, trackName string) error {
	return s.update(id, func(t *storage.Token) {
		t.TrackRef = trackRef
		t.TrackName = trackName
	})
}

func (s *tokenStore) ClearAssignment(_ context.Context, id string) error {
	return s.update(id, func(t *storage.Token) {
		t.TrackRef = ""
		t.TrackName = ""
	})
}

func (s *tokenStore) Rename(_ context.Context, id, name string) error {
	return s.update(id, func(t *storage.Token) { t.Name = name })
}

func (s *tokenStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(tokenKey(id))
	})
}

type recordingStore struct {
	db *badgerdb.DB
}

func (s *recordingStore) Add(_ context.Context, rec storage.Recording) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := setValue(txn, recordingKey(rec.ID), rec); err != nil {
			return err
		}
		if err := txn.Set(recIndexKey("", rec.CreatedAt, rec.ID), []byte(rec.ID)); err != nil {
			return err
		}
		return txn.Set(recIndexKey(rec.TokenID, rec.CreatedAt, rec.ID), []byte(rec.ID))
	})
}

func (s *recordingStore) Get(_ context.Context, id string) (*storage.Recording, error) {
	var rec storage.Recording
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getValue(txn, recordingKey(id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ids returns recording ids for tokenID newest first, at most limit when
// limit > 0
func (s *recordingStore) ids(txn *badgerdb.Txn, tokenID string, limit int) []string {
	prefix := []byte(recIndexPrefix + tokenID + "/")
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks from the largest key with the prefix
	seek := append(append([]byte{}, prefix...), 0xFF)

	var ids []string
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().Key())
		ids = append(ids, key[strings.LastIndex(key, "/")+1:])
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

func (s *recordingStore) Latest(ctx context.Context, tokenID string) (*storage.Recording, error) {
	var ids []string
	_ = s.db.View(func(txn *badgerdb.Txn) error {
		ids = s.ids(txn, tokenID, 1)
		return nil
	})
	if len(ids) == 0 {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, ids[0])
}

func (s *recordingStore) List(_ context.Context, tokenID string) ([]storage.Recording, error) {
	recs := []storage.Recording{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range s.ids(txn, tokenID, 0) {
			var rec storage.Recording
			if err := getValue(txn, recordingKey(id), &rec); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *recordingStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var rec storage.Recording
		if err := getValue(txn, recordingKey(id), &rec); err != nil {
			return err
		}
		for _, key := range [][]byte{
			recordingKey(id),
			recIndexKey("", rec.CreatedAt, id),
			recIndexKey(rec.TokenID, rec.CreatedAt, id),
		} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

type policyStore struct {
	db *badgerdb.DB
}

func (s *policyStore) Get(_ context.Context) (*storage.PolicySettings, error) {
	var settings storage.PolicySettings
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getValue(txn, []byte(policyKey), &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *policyStore) Put(_ context.Context, settings storage.PolicySettings) error {
	settings.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return setValue(txn, []byte(policyKey), settings)
	})
}

type usageStore struct {
	db *badgerdb.DB
}

func (s *usageStore) GetDailyUsage(_ context.Context, date string) (*storage.DailyUsage, error) {
	var usage storage.DailyUsage
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getValue(txn, usageKey(date), &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *usageStore) IncrementDailyUsage(_ context.Context, date string, seconds int64) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		usage := storage.DailyUsage{Date: date}
		if err := getValue(txn, usageKey(date), &usage); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		usage.TotalSeconds += seconds
		return setValue(txn, usageKey(date), usage)
	})
}

func (s *usageStore) DeleteDailyUsageBefore(_ context.Context, cutoffDate string) (int, error) {
	deleted := 0
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		prefix := []byte(usagePrefix)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key[len(prefix):]) < cutoffDate {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
