package recorder

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps recorded sessions in process memory. It backs
// tests and single-node deployments that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	meta   SessionMeta
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) BeginSession(_ context.Context, meta SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[meta.ID] = &memorySession{meta: meta}
	return nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, sessionID string, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.events = append(sess.events, events...)
	sess.meta.EventCount = len(sess.events)
	return nil
}

func (s *MemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.meta.EndedAt = endedAt
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionMeta, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.meta)
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) SessionEvents(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Event, len(sess.events))
	copy(out, sess.events)
	return out, nil
}
