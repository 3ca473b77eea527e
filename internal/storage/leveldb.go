package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are laid out as "g:<generation>" markers and
// "e:<generation>\x00<request key>" entries so a generation can be listed or
// dropped with a single prefix scan.
const (
	levelGenerationPrefix = "g:"
	levelEntryPrefix      = "e:"
	levelSeparator        = "\x00"
)

type levelStorage struct {
	db *leveldb.DB

	mu     sync.RWMutex
	closed bool

	// writeMu orders entry writes against generation deletes so a Put never
	// lands after the sweep of its generation.
	writeMu sync.Mutex
}

// NewLevelDB opens (or creates) a durable Storage rooted at path.
func NewLevelDB(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: leveldb open %s: %w", path, err)
	}
	return &levelStorage{db: db}, nil
}

func (s *levelStorage) usable() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *levelStorage) Open(_ context.Context, name string) (Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte(levelGenerationPrefix+name), []byte{1}, nil); err != nil {
		return nil, fmt.Errorf("storage: leveldb open %s: %w", name, err)
	}
	return &levelGeneration{store: s, name: name}, nil
}

func (s *levelStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(levelGenerationPrefix+name), nil)
	if err != nil {
		return false, fmt.Errorf("storage: leveldb has %s: %w", name, err)
	}
	return ok, nil
}

func (s *levelStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelGenerationPrefix)), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelGenerationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("storage: leveldb names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(); err != nil {
		return false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	marker := []byte(levelGenerationPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return false, fmt.Errorf("storage: leveldb delete %s: %w", name, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("storage: leveldb delete %s: %w", name, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("storage: leveldb delete %s: %w", name, err)
	}
	return ok, nil
}

func (s *levelStorage) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type levelGeneration struct {
	store *levelStorage
	name  string
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + levelSeparator)
}

func (g *levelGeneration) entryKey(key string) []byte {
	return append(entryPrefix(g.name), key...)
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if err := g.store.usable(); err != nil {
		return Entry{}, false, err
	}
	b, err := g.store.db.Get(g.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("storage: leveldb get: %w", err)
	}
	var entry Entry
	if err := decodeGob(b, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("storage: leveldb decode: %w", err)
	}
	return entry, true, nil
}

func (g *levelGeneration) Put(_ context.Context, key string, entry Entry) error {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if err := g.store.usable(); err != nil {
		return err
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	b, err := encodeGob(entry)
	if err != nil {
		return fmt.Errorf("storage: leveldb encode: %w", err)
	}
	g.store.writeMu.Lock()
	defer g.store.writeMu.Unlock()
	live, err := g.store.db.Has([]byte(levelGenerationPrefix+g.name), nil)
	if err != nil {
		return fmt.Errorf("storage: leveldb put: %w", err)
	}
	if !live {
		return ErrGenerationDeleted
	}
	if err := g.store.db.Put(g.entryKey(key), b, nil); err != nil {
		return fmt.Errorf("storage: leveldb put: %w", err)
	}
	return nil
}

func (g *levelGeneration) Delete(_ context.Context, key string) (bool, error) {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if err := g.store.usable(); err != nil {
		return false, err
	}
	k := g.entryKey(key)
	ok, err := g.store.db.Has(k, nil)
	if err != nil {
		return false, fmt.Errorf("storage: leveldb delete: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := g.store.db.Delete(k, nil); err != nil {
		return false, fmt.Errorf("storage: leveldb delete: %w", err)
	}
	return true, nil
}

func (g *levelGeneration) Keys(_ context.Context) ([]string, error) {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if err := g.store.usable(); err != nil {
		return nil, err
	}
	prefix := entryPrefix(g.name)
	it := g.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("storage: leveldb keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
