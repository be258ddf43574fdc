package audit

import (
	"context"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

var (
	// ErrNotFound keeps storage-specific 404s consistent across implementations.
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "record not found")
)

// Store persists the audit trail. Implementations must be safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByOrg(ctx context.Context, orgID id.OrgID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Sink receives a copy of every event the publisher accepts, in addition to
// the primary store. Used to tee events into the outbox for broker delivery.
type Sink interface {
	Append(ctx context.Context, event Event) error
}
