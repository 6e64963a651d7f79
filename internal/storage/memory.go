package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryDB keeps profiles in process memory. Nothing survives a restart.
type memoryDB struct {
	mu       sync.Mutex
	profiles map[string]map[string]Entry
	closed   bool
}

// NewMemoryDB returns an empty in-memory DB.
func NewMemoryDB() DB {
	return &memoryDB{profiles: make(map[string]map[string]Entry)}
}

func (m *memoryDB) Profile(name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("profile name must not be empty")
	}
	return &memoryStore{db: m, name: name}, nil
}

func (m *memoryDB) Profiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryDB) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.profiles, name)
	return nil
}

func (m *memoryDB) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, entries := range m.profiles {
		for k, v := range entries {
			n += int64(len(k) + len(v.Value))
		}
	}
	return n, nil
}

func (m *memoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryStore is a view of one profile inside a memoryDB.
type memoryStore struct {
	db   *memoryDB
	name string
}

func (s *memoryStore) Get(key string) (string, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.closed {
		return "", false, ErrClosed
	}
	e, ok := s.db.profiles[s.name][key]
	return e.Value, ok, nil
}

func (s *memoryStore) Set(key, value string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.closed {
		return ErrClosed
	}
	entries := s.db.profiles[s.name]
	if entries == nil {
		entries = make(map[string]Entry)
		s.db.profiles[s.name] = entries
	}
	entries[key] = Entry{Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.closed {
		return ErrClosed
	}
	delete(s.db.profiles[s.name], key)
	return nil
}

func (s *memoryStore) List() (map[string]Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.closed {
		return nil, ErrClosed
	}
	entries := s.db.profiles[s.name]
	result := make(map[string]Entry, len(entries))
	for k, v := range entries {
		result[k] = v
	}
	return result, nil
}
