// Package status implements the structured status broadcaster: every
// event is appended to the import's durable status log and fanned out to
// subscribers over NATS.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/storage"
)

// subjectPrefix scopes the fan-out subjects; one subject per import.
const subjectPrefix = "status.events."

// SubjectFor returns the fan-out subject for an import.
func SubjectFor(importID string) string {
	return subjectPrefix + importID
}

// Publisher is the transport subset used for fan-out. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventStore is the persistence subset the broadcaster needs.
type EventStore interface {
	SaveStatusEvent(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error)
	EventsForImport(ctx context.Context, importID string) ([]model.StatusEvent, error)
}

var _ EventStore = (storage.Repository)(nil)

// Broadcaster persists status events and notifies subscribers. Delivery
// to subscribers is best effort; persistence failures are returned to the
// caller, which decides whether they are fatal for the enclosing action.
type Broadcaster struct {
	store     EventStore
	publisher Publisher
	logger    *slog.Logger
}

// New constructs a Broadcaster. publisher may be nil for persist-only
// operation (tests, embedded mode).
func New(store EventStore, publisher Publisher, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{store: store, publisher: publisher, logger: logger}
}

// AddStatusEventAndBroadcast appends the event to the import's status log
// and publishes it. The persisted event (with id and timestamp) is
// returned.
func (b *Broadcaster) AddStatusEventAndBroadcast(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	if ev.ImportID == "" {
		return model.StatusEvent{}, fmt.Errorf("status event requires an importId")
	}

	persisted, err := b.store.SaveStatusEvent(ctx, ev)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("persist status event: %w", err)
	}

	if b.publisher != nil {
		data, err := json.Marshal(persisted)
		if err != nil {
			return model.StatusEvent{}, fmt.Errorf("marshal status event: %w", err)
		}
		if err := b.publisher.Publish(SubjectFor(persisted.ImportID), data); err != nil {
			// Fan-out is best effort; the durable log already has the event.
			b.logger.Warn("status fan-out failed",
				"import_id", persisted.ImportID,
				"status", string(persisted.Status),
				"error", err)
		}
	}

	return persisted, nil
}

// EventsForImport reads back an import's status log in append order.
func (b *Broadcaster) EventsForImport(ctx context.Context, importID string) ([]model.StatusEvent, error) {
	return b.store.EventsForImport(ctx, importID)
}
