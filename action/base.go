package action

import (
	"context"
	"fmt"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

// BaseAction wraps a concrete action with validation and optional status
// broadcasting around Execute. Broadcasting is opt-in per action;
// broadcaster failures at this boundary are logged and swallowed so
// observability cannot kill the pipeline. Actions whose contract makes
// broadcast errors fatal (determine-tags) broadcast inline instead.
type BaseAction struct {
	inner               Action
	broadcastStart      bool
	broadcastCompletion bool
}

// BaseOption configures the wrapper.
type BaseOption func(*BaseAction)

// WithStartBroadcast emits a PROCESSING event before Execute.
func WithStartBroadcast() BaseOption {
	return func(b *BaseAction) { b.broadcastStart = true }
}

// WithCompletionBroadcast emits a COMPLETED event after Execute.
func WithCompletionBroadcast() BaseOption {
	return func(b *BaseAction) { b.broadcastCompletion = true }
}

// Wrap builds a BaseAction around a concrete action.
func Wrap(inner Action, opts ...BaseOption) *BaseAction {
	b := &BaseAction{inner: inner}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the wrapped action's name.
func (b *BaseAction) Name() Name { return b.inner.Name() }

// ValidateInput defers to the wrapped action.
func (b *BaseAction) ValidateInput(payload any) error {
	return b.inner.ValidateInput(payload)
}

// Execute runs the template: validate, optional start event, inner
// execute, optional completion event, result unchanged.
func (b *BaseAction) Execute(ctx context.Context, payload any, deps *Dependencies, actx *Context) (any, error) {
	if err := b.inner.ValidateInput(payload); err != nil {
		return nil, queue.NewQueueError(queue.ErrorTypeValidation, queue.SeverityMedium,
			fmt.Sprintf("%s: invalid input: %v", b.inner.Name(), err), err)
	}

	if b.broadcastStart {
		b.broadcast(ctx, payload, deps, actx, model.StatusProcessing,
			fmt.Sprintf("Starting %s", b.inner.Name()))
	}

	result, err := b.inner.Execute(ctx, payload, deps, actx)
	if err != nil {
		return nil, err
	}

	if b.broadcastCompletion {
		b.broadcast(ctx, result, deps, actx, model.StatusCompleted,
			fmt.Sprintf("Completed %s", b.inner.Name()))
	}

	return result, nil
}

func (b *BaseAction) broadcast(ctx context.Context, payload any, deps *Dependencies, actx *Context, status model.Status, message string) {
	if deps == nil || deps.StatusBroadcaster == nil {
		return
	}
	carrier, ok := payload.(statusCarrier)
	if !ok {
		return
	}
	importID, noteID := carrier.StatusIDs()
	if importID == "" {
		return
	}

	_, err := deps.StatusBroadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
		ImportID: importID,
		NoteID:   noteID,
		Status:   status,
		Message:  message,
		Context:  string(b.inner.Name()),
	})
	if err != nil && deps.Logger != nil {
		deps.Logger.Warn("status broadcast failed",
			"action", string(b.inner.Name()),
			"job_id", actx.JobID,
			"error", err)
	}
}
