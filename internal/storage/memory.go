package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStorage struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
	closed      bool
}

// NewMemory returns a process-local Storage.
func NewMemory() Storage {
	return &memoryStorage{generations: make(map[string]*memoryGeneration)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	gen, ok := s.generations[name]
	if !ok {
		gen = &memoryGeneration{name: name, entries: make(map[string]Entry)}
		s.generations[name] = gen
	}
	return gen, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.generations[name]
	return ok, nil
}

func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[name]
	if !ok {
		return false, nil
	}
	delete(s.generations, name)
	gen.mu.Lock()
	gen.removed = true
	gen.entries = make(map[string]Entry)
	gen.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryGeneration struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	removed bool
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (g *memoryGeneration) Put(_ context.Context, key string, entry Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return ErrGenerationDeleted
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	g.entries[key] = entry.Clone()
	return nil
}

func (g *memoryGeneration) Delete(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; !ok {
		return false, nil
	}
	delete(g.entries, key)
	return true, nil
}

func (g *memoryGeneration) Keys(_ context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
