package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryItem struct {
	record  Record
	expires time.Time
}

// MemoryStore is a single-process Store used when Redis is not configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	ttl   time.Duration
	clock func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{items: make(map[string]memoryItem), ttl: ttl, clock: time.Now}
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if item, ok := s.items[key]; ok && now.Before(item.expires) {
		rec := item.record
		return &rec, false, nil
	}

	s.items[key] = memoryItem{
		record:  Record{State: StatePending, CreatedAt: now.UTC()},
		expires: now.Add(s.ttl),
	}
	s.sweep(now)
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.items[key] = memoryItem{
		record: Record{
			State:     StateCompleted,
			Status:    status,
			Body:      append(json.RawMessage(nil), body...),
			CreatedAt: now.UTC(),
		},
		expires: now.Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// sweep drops expired keys. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	for k, item := range s.items {
		if !now.Before(item.expires) {
			delete(s.items, k)
		}
	}
}
