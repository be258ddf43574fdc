package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "fides/pkg/domain"
)

// PostgresStore implements Store using PostgreSQL. Events are append-only;
// nothing ever updates or deletes a row outside retention tooling.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts an audit event with a fresh ID.
func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	return s.AppendWithID(ctx, uuid.New(), event)
}

// AppendWithID inserts an audit event under a caller-chosen ID. Replays of
// the same id land exactly once, so downstream mirrors of the outbox topic
// can reuse the record key when writing events back into a store.
func (s *PostgresStore) AppendWithID(ctx context.Context, eventID uuid.UUID, event Event) error {
	query := `
		INSERT INTO audit_events (
			id, occurred_at, org_id, action, nonce, method, reason, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		eventID,
		event.Timestamp,
		event.OrgID.String(),
		string(event.Action),
		event.Nonce,
		event.Method,
		event.Reason,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByOrg returns events for one organization, newest first.
func (s *PostgresStore) ListByOrg(ctx context.Context, orgID id.OrgID) ([]Event, error) {
	query := `
		SELECT occurred_at, org_id, action, nonce, method, reason, request_id
		FROM audit_events
		WHERE org_id = $1
		ORDER BY occurred_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the N most recent events.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT occurred_at, org_id, action, nonce, method, reason, request_id
		FROM audit_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event

	for rows.Next() {
		var (
			event Event
			orgID string
		)
		err := rows.Scan(
			&event.Timestamp,
			&orgID,
			&event.Action,
			&event.Nonce,
			&event.Method,
			&event.Reason,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.OrgID = id.OrgID(orgID)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}
