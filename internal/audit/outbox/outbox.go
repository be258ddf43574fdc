// Package outbox implements the transactional outbox for audit event
// delivery.
//
// The audit publisher tees events into the outbox table; a background worker
// relays pending entries to the broker and marks them processed. Delivery is
// at-least-once: a crash between publish and mark re-sends the entry, and
// the broker consumer deduplicates on the entry id.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one pending audit event awaiting broker delivery.
type Entry struct {
	ID            uuid.UUID
	AggregateType string // "organization" for all binding lifecycle events
	AggregateID   string
	EventType     string
	Payload       []byte // JSON-encoded audit.Event
	CreatedAt     time.Time
	ProcessedAt   *time.Time // nil = pending
}

// IsPending reports whether the entry still awaits delivery.
func (e *Entry) IsPending() bool {
	return e.ProcessedAt == nil
}

// NewEntry creates a pending entry with a fresh id.
func NewEntry(aggregateType, aggregateID, eventType string, payload []byte) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Store persists outbox entries. Implementations must be safe for concurrent
// use.
type Store interface {
	// Append adds a pending entry.
	Append(ctx context.Context, entry *Entry) error

	// FetchUnprocessed returns up to limit pending entries, oldest first.
	// Implementations should skip rows another worker holds locked.
	FetchUnprocessed(ctx context.Context, limit int) ([]*Entry, error)

	// MarkProcessed records successful delivery. Fails if the entry is
	// unknown or already marked.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// CountPending returns the number of undelivered entries. Used for
	// queue depth metrics.
	CountPending(ctx context.Context) (int64, error)

	// DeleteProcessedBefore prunes delivered entries older than the cutoff
	// and returns how many were removed.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}
