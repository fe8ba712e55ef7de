package storage

import (
	"context"
	"sync"
)

const memoryDispatchCap = 500

type memoryStore struct {
	mu         sync.Mutex
	records    map[string][]byte
	dispatches []DispatchEntry
	closed     bool
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{records: map[string][]byte{}}
}

func (s *memoryStore) GetRecord(ctx context.Context, namespace string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, ok := s.records[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *memoryStore) PutRecord(ctx context.Context, namespace string, data []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[namespace] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) AppendDispatch(ctx context.Context, e DispatchEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dispatches = append(s.dispatches, e)
	if len(s.dispatches) > memoryDispatchCap {
		s.dispatches = s.dispatches[len(s.dispatches)-memoryDispatchCap:]
	}
	return nil
}

func (s *memoryStore) RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.dispatches, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newestFirst(in []DispatchEntry, limit int) []DispatchEntry {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]DispatchEntry, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
