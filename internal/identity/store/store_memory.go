package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fides/internal/identity/models"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. It favors clarity over performance: every read returns a deep
// copy so callers can never mutate stored state through retained pointers.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[id.OrgID]*models.OrganizationIdentity

	// refs is the reverse index. Entries are never removed; an external
	// reference stays claimed by its first organization forever.
	refs map[id.ExternalRef]id.OrgID

	// nonces tracks every nonce ever issued, mapped to its owning
	// organization, enforcing system-wide nonce uniqueness.
	nonces map[id.Nonce]id.OrgID
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[id.OrgID]*models.OrganizationIdentity),
		refs:       make(map[id.ExternalRef]id.OrgID),
		nonces:     make(map[id.Nonce]id.OrgID),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[orgID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return ident.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	ref := identity.Method.Ref()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.OrgID]; exists {
		return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrConflict)
	}
	if owner, taken := s.refs[ref]; taken && owner != identity.OrgID {
		return fmt.Errorf("external reference %s owned by %s: %w", ref, owner, sentinel.ErrRefTaken)
	}
	if err := s.claimNonces(identity); err != nil {
		return err
	}

	identity.Revision = 1
	s.identities[identity.OrgID] = identity.Clone()
	s.refs[ref] = identity.OrgID
	return nil
}

func (s *MemoryStore) Update(_ context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.identities[identity.OrgID]
	if !ok {
		return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrNotFound)
	}
	if current.Revision != identity.Revision {
		return fmt.Errorf("organization %s at revision %d, caller has %d: %w",
			identity.OrgID, current.Revision, identity.Revision, sentinel.ErrRevisionMiss)
	}
	if err := s.claimNonces(identity); err != nil {
		return err
	}

	identity.Revision++
	s.identities[identity.OrgID] = identity.Clone()
	return nil
}

func (s *MemoryStore) FindByExternalRef(_ context.Context, ref id.ExternalRef) (id.OrgID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgID, ok := s.refs[ref]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	return orgID, nil
}

func (s *MemoryStore) ListByMethod(_ context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.OrganizationIdentity
	for _, ident := range s.identities {
		if ident.Method.Kind() == kind {
			out = append(out, ident.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

// claimNonces registers every nonce carried by the identity, rejecting any
// owned by a different organization. Callers hold the write lock.
func (s *MemoryStore) claimNonces(identity *models.OrganizationIdentity) error {
	claim := func(n id.Nonce) error {
		if n.IsEmpty() {
			return nil
		}
		if owner, taken := s.nonces[n]; taken && owner != identity.OrgID {
			return fmt.Errorf("nonce already issued to %s: %w", owner, sentinel.ErrConflict)
		}
		return nil
	}

	if identity.Binding != nil {
		if err := claim(identity.Binding.Nonce); err != nil {
			return err
		}
	}
	for i := range identity.History {
		if err := claim(identity.History[i].Nonce); err != nil {
			return err
		}
	}

	if identity.Binding != nil {
		s.nonces[identity.Binding.Nonce] = identity.OrgID
	}
	for i := range identity.History {
		s.nonces[identity.History[i].Nonce] = identity.OrgID
	}
	return nil
}
