package keychain

import (
	"sync"
)

// MemStore is an in-memory Store for tests. It mirrors the semantics of
// SystemStore: misses return ErrNotFound, Add upserts, Delete is
// idempotent. A non-nil FailWith makes every operation return that
// error, simulating an OS-level failure.
type MemStore struct {
	mu       sync.Mutex
	items    map[Query][]byte
	FailWith error
}

// NewMemStore returns an empty in-memory credential store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[Query][]byte)}
}

func (s *MemStore) Item(q Query) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}
	secret, ok := s.items[q]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), secret...), nil
}

func (s *MemStore) Add(q Query, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}
	s.items[q] = append([]byte(nil), secret...)
	return nil
}

func (s *MemStore) Delete(q Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.items, q)
	return nil
}

// Len reports the number of stored items.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
