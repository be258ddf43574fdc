// Package store persists organization identities and the reverse index from
// external references to organizations.
//
// Implementations return sentinel errors (internal/sentinel) and raw
// infrastructure errors; services translate them into domain errors exactly
// once. All writes are conditional: Create succeeds only if neither the
// organization nor its external reference exists, Update succeeds only when
// the caller's revision matches the stored one. Concurrent writers therefore
// fail fast instead of overwriting each other.
package store

import (
	"context"

	"fides/internal/identity/models"
	id "fides/pkg/domain"
)

// Store is the durable identity mapping consumed by the binding engine and
// the verification orchestrator.
type Store interface {
	// Get returns the identity for orgID, or sentinel.ErrNotFound.
	Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error)

	// Create persists a brand-new identity and claims its external
	// reference in the reverse index, atomically. Returns
	// sentinel.ErrConflict when the organization already exists and
	// sentinel.ErrRefTaken when the reference belongs to another
	// organization. On success the identity's revision is initialized.
	Create(ctx context.Context, identity *models.OrganizationIdentity) error

	// Update replaces the stored identity if and only if the stored
	// revision equals the caller's. Returns sentinel.ErrRevisionMiss on a
	// lost race, sentinel.ErrNotFound when the organization is unknown,
	// and sentinel.ErrConflict when a binding nonce collides with one
	// issued to a different organization. On success the identity's
	// revision is advanced in place.
	Update(ctx context.Context, identity *models.OrganizationIdentity) error

	// FindByExternalRef resolves an external reference to the organization
	// that claimed it, or sentinel.ErrNotFound. Claims are permanent:
	// rotation and revocation never release a reference.
	FindByExternalRef(ctx context.Context, ref id.ExternalRef) (id.OrgID, error)

	// ListByMethod returns all identities verified via the given method,
	// ordered by organization id. Used by audit tooling.
	ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error)
}
