package scan

import (
	"context"
	"sort"
	"sync"

	"github.com/guardianhq/guardian/internal/pagination"
)

// MemoryStore is an in-memory session store for single-instance deployments
// and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an in-memory scan session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneSession(session)
	s.sessions[session.ID] = cp
	return nil
}

func (s *MemoryStore) Finish(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if existing.Finished() {
		return ErrSessionFinished
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) ListByAddress(ctx context.Context, address, network string, limit int, before *pagination.Cursor) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, session := range s.sessions {
		if session.Address != address || session.Network != network {
			continue
		}
		if before != nil && !session.StartedAt.Before(before.CreatedAt) {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Probes = append(cp.Probes[:0:0], s.Probes...)
	if s.Score != nil {
		score := *s.Score
		cp.Score = &score
	}
	return &cp
}
