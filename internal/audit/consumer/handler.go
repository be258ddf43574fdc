// Package consumer mirrors the audit topic back into an audit store.
//
// Deployments that fan the trail out through the broker run a mirror next to
// each reporting database. The outbox entry id rides as the record key and
// the store insert is keyed on it, so redelivered records land exactly once.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"fides/internal/audit"
	"fides/internal/platform/kafka"
)

// MirrorStore is the slice of the audit store the mirror writes through.
// *audit.PostgresStore satisfies it.
type MirrorStore interface {
	AppendWithID(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

// Handler processes audit records from the broker and writes them to the
// store. It implements kafka.Handler.
type Handler struct {
	store  MirrorStore
	logger *slog.Logger
}

var _ kafka.Handler = (*Handler)(nil)

// NewHandler creates a mirror handler. A nil logger disables logging.
func NewHandler(store MirrorStore, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Handle mirrors a single record. Malformed records are logged and skipped
// with a nil return; returning an error would wedge the partition behind a
// record that can never parse. Store failures propagate so the offset stays
// uncommitted and the record is redelivered.
func (h *Handler) Handle(ctx context.Context, rec *kafka.Record) error {
	eventID, err := uuid.Parse(string(rec.Key))
	if err != nil {
		if h.logger != nil {
			h.logger.Error("audit record key is not an entry id",
				"key", string(rec.Key),
				"error", err,
			)
		}
		return nil
	}

	var event audit.Event
	if err := json.Unmarshal(rec.Value, &event); err != nil {
		if h.logger != nil {
			h.logger.Error("audit record payload malformed",
				"event_id", eventID,
				"error", err,
			)
		}
		return nil
	}

	// Older producers may omit the action from the payload; the outbox
	// worker always carries it as a header.
	if event.Action == "" {
		event.Action = audit.Action(rec.Headers["event_type"])
	}

	if err := h.store.AppendWithID(ctx, eventID, event); err != nil {
		return fmt.Errorf("mirror audit event %s: %w", eventID, err)
	}

	if h.logger != nil {
		h.logger.Debug("mirrored audit event",
			"event_id", eventID,
			"action", event.Action,
			"org_id", event.OrgID,
		)
	}

	return nil
}
