package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"fides/internal/audit"
)

// aggregateOrganization tags every binding lifecycle event; the aggregate id
// is the organization id, which also keys broker partitioning downstream.
const aggregateOrganization = "organization"

// Sink adapts the outbox as an audit.Sink, so the publisher tees every event
// into the outbox alongside the primary audit store.
type Sink struct {
	store Store
}

var _ audit.Sink = (*Sink)(nil)

func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	entry := NewEntry(aggregateOrganization, event.OrgID.String(), string(event.Action), payload)
	if err := s.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("append outbox entry: %w", err)
	}
	return nil
}
