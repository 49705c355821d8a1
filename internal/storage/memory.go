package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	sent    map[SentKey]time.Time
	markers map[string]time.Time
	audit   []AuditEntry
	closed  bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{
		sent:    map[SentKey]time.Time{},
		markers: map[string]time.Time{},
	}
}

func markerKey(configID, periodKey string) string { return configID + "|" + periodKey }

func (s *memoryStore) PutSent(_ context.Context, key SentKey, at, refreshBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if prev, ok := s.sent[key]; ok && !prev.Before(refreshBefore) {
		return false, nil
	}
	s.sent[key] = at
	return true, nil
}

func (s *memoryStore) GetSent(_ context.Context, key SentKey) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	at, ok := s.sent[key]
	return at, ok, nil
}

func (s *memoryStore) PutMarker(_ context.Context, configID, periodKey string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	k := markerKey(configID, periodKey)
	if _, ok := s.markers[k]; ok {
		return false, nil
	}
	s.markers[k] = at
	return true, nil
}

func (s *memoryStore) HasMarker(_ context.Context, configID, periodKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.markers[markerKey(configID, periodKey)]
	return ok, nil
}

func (s *memoryStore) DeleteMarker(_ context.Context, configID, periodKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.markers, markerKey(configID, periodKey))
	return nil
}

func (s *memoryStore) Prune(_ context.Context, sentBefore, markersBefore time.Time) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PruneResult{}, ErrClosed
	}
	var res PruneResult
	for k, at := range s.sent {
		if at.Before(sentBefore) {
			delete(s.sent, k)
			res.Sent++
		}
	}
	for k, at := range s.markers {
		if at.Before(markersBefore) {
			delete(s.markers, k)
			res.Markers++
		}
	}
	return res, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
