package action

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

type stubAction struct {
	name        Name
	validateErr error
	executeErr  error
	result      any
	executed    bool
}

func (s *stubAction) Name() Name { return s.name }

func (s *stubAction) ValidateInput(any) error { return s.validateErr }

func (s *stubAction) Execute(_ context.Context, payload any, _ *Dependencies, _ *Context) (any, error) {
	s.executed = true
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return payload, nil
}

type fakeBroadcaster struct {
	events []model.StatusEvent
	err    error
}

func (f *fakeBroadcaster) AddStatusEventAndBroadcast(_ context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	if f.err != nil {
		return model.StatusEvent{}, f.err
	}
	f.events = append(f.events, ev)
	return ev, nil
}

func testDeps(b StatusBroadcaster) *Dependencies {
	return &Dependencies{Logger: slog.Default(), StatusBroadcaster: b}
}

func TestBaseActionValidationFailsBeforeSideEffects(t *testing.T) {
	inner := &stubAction{name: NameParseHTML, validateErr: errors.New("missing importId")}
	fb := &fakeBroadcaster{}
	wrapped := Wrap(inner, WithStartBroadcast(), WithCompletionBroadcast())

	_, err := wrapped.Execute(context.Background(), model.NoteJobData{ImportID: "i1"}, testDeps(fb), &Context{})
	require.Error(t, err)

	var qe *queue.QueueError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, queue.ErrorTypeValidation, qe.JobError.Type)
	assert.False(t, inner.executed)
	assert.Empty(t, fb.events)
}

func TestBaseActionBroadcastsAroundExecute(t *testing.T) {
	inner := &stubAction{name: NameSaveCategory}
	fb := &fakeBroadcaster{}
	wrapped := Wrap(inner, WithStartBroadcast(), WithCompletionBroadcast())

	payload := model.CategorizationJobData{NoteID: "n1", ImportID: "i1"}
	result, err := wrapped.Execute(context.Background(), payload, testDeps(fb), &Context{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, payload, result)

	require.Len(t, fb.events, 2)
	assert.Equal(t, model.StatusProcessing, fb.events[0].Status)
	assert.Equal(t, model.StatusCompleted, fb.events[1].Status)
	assert.Equal(t, "i1", fb.events[0].ImportID)
	assert.Equal(t, "SAVE_CATEGORY", fb.events[0].Context)
}

func TestBaseActionSwallowsBroadcasterErrors(t *testing.T) {
	inner := &stubAction{name: NameSaveTags}
	fb := &fakeBroadcaster{err: errors.New("broadcast channel closed")}
	wrapped := Wrap(inner, WithStartBroadcast(), WithCompletionBroadcast())

	payload := model.CategorizationJobData{NoteID: "n1", ImportID: "i1"}
	result, err := wrapped.Execute(context.Background(), payload, testDeps(fb), &Context{})
	require.NoError(t, err)
	assert.Equal(t, payload, result)
	assert.True(t, inner.executed)
}

func TestBaseActionBroadcastOptIn(t *testing.T) {
	inner := &stubAction{name: NameTrackPattern}
	fb := &fakeBroadcaster{}
	wrapped := Wrap(inner) // no broadcast options

	_, err := wrapped.Execute(context.Background(), model.CategorizationJobData{ImportID: "i1"}, testDeps(fb), &Context{})
	require.NoError(t, err)
	assert.Empty(t, fb.events)
}

func TestBaseActionPropagatesExecuteError(t *testing.T) {
	inner := &stubAction{name: NameParseIngredientLine, executeErr: errors.New("database write failed")}
	fb := &fakeBroadcaster{}
	wrapped := Wrap(inner, WithCompletionBroadcast())

	_, err := wrapped.Execute(context.Background(), model.IngredientJobData{ImportID: "i1"}, testDeps(fb), &Context{})
	require.Error(t, err)
	assert.Empty(t, fb.events, "no completion event on failure")
}
