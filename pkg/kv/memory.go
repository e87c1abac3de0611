package kv

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-memory Store implementation. It is the default for
// tests and for servers running without a configured KV path.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	// now is replaceable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key []string) ([]byte, error) {
	k := EncodeKey(key)

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()

	if !ok || e.expired(s.now()) {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key []string, value []byte, ttl time.Duration) error {
	e := &memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[EncodeKey(key)] = e
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key []string) error {
	s.mu.Lock()
	delete(s.entries, EncodeKey(key))
	s.mu.Unlock()
	return nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key []string, expected, next []byte, ttl time.Duration) error {
	k := EncodeKey(key)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if ok && e.expired(now) {
		delete(s.entries, k)
		ok = false
	}

	if expected == nil {
		if ok {
			return ErrConflict
		}
	} else {
		if !ok || !bytes.Equal(e.value, expected) {
			return ErrConflict
		}
	}

	ne := &memoryEntry{value: bytes.Clone(next)}
	if ttl > 0 {
		ne.expiresAt = now.Add(ttl)
	}
	s.entries[k] = ne
	return nil
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key []string) ([]byte, error) {
	k := EncodeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok || e.expired(s.now()) {
		delete(s.entries, k)
		return nil, ErrNotFound
	}
	delete(s.entries, k)
	return e.value, nil
}

// ListPrefix implements Store.
func (s *MemoryStore) ListPrefix(_ context.Context, prefix []string) ([]Entry, error) {
	p := EncodePrefix(prefix)
	now := s.now()

	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if strings.HasPrefix(k, p) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: DecodeKey(k), Value: bytes.Clone(s.entries[k].value)})
	}
	s.mu.RUnlock()

	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*memoryEntry)
	s.mu.Unlock()
	return nil
}

// Sweep removes expired entries. The session manager's cleanup ticker calls
// this so long-lived servers do not accumulate tombstones.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
