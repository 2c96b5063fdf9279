package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && !time.Now().After(rec.ExpiresAt) {
		return false, nil
	}
	s.records[key] = &Record{
		Key:         key,
		RequestHash: requestHash,
		Pending:     true,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, requestHash string, outcome json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.Pending {
		return ErrNotReserved
	}
	if rec.RequestHash != requestHash {
		return ErrHashMismatch
	}

	rec.Pending = false
	rec.Outcome = append(json.RawMessage(nil), outcome...)
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.Pending {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
