package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelKeyPrefix = "node:"

type levelRecord struct {
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Services uint64 `json:"services"`
	Score    int    `json:"score"`
}

// LevelStore keeps records in an embedded LevelDB, one key per endpoint.
type LevelStore struct {
	mu sync.RWMutex
	db *leveldb.DB
}

// OpenLevel opens (or creates) the database at path.
func OpenLevel(path string) (*LevelStore, error) {
	if path == "" {
		return nil, errors.New("storage: leveldb path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func levelKey(r Record) []byte {
	return []byte(levelKeyPrefix + r.Address + ":" + strconv.Itoa(int(r.Port)))
}

// FetchAll iterates every node key.
func (s *LevelStore) FetchAll(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelKeyPrefix)), nil)
	defer iter.Release()
	var out []Record
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec levelRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", iter.Key(), err)
		}
		out = append(out, Record(rec))
	}
	return out, iter.Error()
}

// Apply writes events as one batch. Inserts keep an existing value; updates
// only touch keys that exist.
func (s *LevelStore) Apply(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	present := make(map[string]bool)
	exists := func(key []byte) (bool, error) {
		if ok, seen := present[string(key)]; seen {
			return ok, nil
		}
		return s.db.Has(key, nil)
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := levelKey(ev.Record)
		switch ev.Kind {
		case EventInsert, EventUpdate:
			ok, err := exists(key)
			if err != nil {
				return fmt.Errorf("storage: apply: %w", err)
			}
			if ev.Kind == EventInsert && ok || ev.Kind == EventUpdate && !ok {
				continue
			}
			blob, err := json.Marshal(levelRecord(ev.Record))
			if err != nil {
				return err
			}
			batch.Put(key, blob)
			present[string(key)] = true
		case EventDelete:
			batch.Delete(key)
			present[string(key)] = false
		default:
			return fmt.Errorf("storage: apply: unknown event kind %d", ev.Kind)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("storage: apply: %w", err)
	}
	return nil
}

// Purge removes every node key.
func (s *LevelStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelKeyPrefix)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("storage: purge: %w", err)
	}
	return s.db.Write(batch, nil)
}

// Close flushes and closes the database.
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
