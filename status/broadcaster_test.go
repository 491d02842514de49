package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/model"
)

type memStore struct {
	events  []model.StatusEvent
	saveErr error
}

func (m *memStore) SaveStatusEvent(_ context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	if m.saveErr != nil {
		return model.StatusEvent{}, m.saveErr
	}
	ev.ID = "ev-1"
	ev.CreatedAt = time.Now()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memStore) EventsForImport(_ context.Context, importID string) ([]model.StatusEvent, error) {
	var out []model.StatusEvent
	for _, ev := range m.events {
		if ev.ImportID == importID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (m *memPublisher) Publish(subject string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestAddStatusEventPersistsAndPublishes(t *testing.T) {
	store := &memStore{}
	pub := &memPublisher{}
	b := New(store, pub, slog.Default())

	persisted, err := b.AddStatusEventAndBroadcast(context.Background(), model.StatusEvent{
		ImportID: "import-1",
		NoteID:   "n1",
		Status:   model.StatusProcessing,
		Message:  "Scheduling categorization...",
		Context:  "categorization_scheduling",
	})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", persisted.ID)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "status.events.import-1", pub.subjects[0])

	var onWire model.StatusEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &onWire))
	assert.Equal(t, model.StatusProcessing, onWire.Status)
}

func TestAddStatusEventRequiresImportID(t *testing.T) {
	b := New(&memStore{}, nil, slog.Default())
	_, err := b.AddStatusEventAndBroadcast(context.Background(), model.StatusEvent{Status: model.StatusFailed})
	assert.Error(t, err)
}

func TestPersistFailurePropagates(t *testing.T) {
	b := New(&memStore{saveErr: errors.New("database locked")}, &memPublisher{}, slog.Default())
	_, err := b.AddStatusEventAndBroadcast(context.Background(), model.StatusEvent{
		ImportID: "import-1", Status: model.StatusFailed, Message: "boom",
	})
	assert.Error(t, err)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	store := &memStore{}
	b := New(store, &memPublisher{err: errors.New("no responders")}, slog.Default())

	_, err := b.AddStatusEventAndBroadcast(context.Background(), model.StatusEvent{
		ImportID: "import-1", Status: model.StatusCompleted, Message: "done",
	})
	require.NoError(t, err, "fan-out failure must not fail the caller")
	assert.Len(t, store.events, 1, "event still persisted")
}
