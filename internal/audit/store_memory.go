package audit

import (
	"context"
	"sync"

	id "fides/pkg/domain"
)

// InMemoryStore keeps the audit trail in process memory. Test and
// single-node deployments only.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byOrg  map[id.OrgID][]Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byOrg: make(map[id.OrgID][]Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byOrg = make(map[id.OrgID][]Event)
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.byOrg[event.OrgID] = append(s.byOrg[event.OrgID], event)
	return nil
}

func (s *InMemoryStore) ListByOrg(_ context.Context, orgID id.OrgID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.byOrg[orgID]...), nil
}

// ListRecent returns the newest events, most recent first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= len(s.events)-limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
