// Package action defines the typed action contract the pipelines are
// composed from: named actions with validate/execute semantics, the
// per-execution context, the shared dependency bundle, a template-method
// base wrapper for status broadcasting, and the per-stage registry.
package action

import (
	"context"
	"log/slog"
	"time"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

// Name identifies an action. The set is closed; pipelines are composed
// from these names in registration order.
type Name string

const (
	NameDetermineCategory          Name = "DETERMINE_CATEGORY"
	NameSaveCategory               Name = "SAVE_CATEGORY"
	NameDetermineTags              Name = "DETERMINE_TAGS"
	NameSaveTags                   Name = "SAVE_TAGS"
	NameCheckInstructionCompletion Name = "CHECK_INSTRUCTION_COMPLETION"
	NameCheckIngredientCompletion  Name = "CHECK_INGREDIENT_COMPLETION"
	NameTrackPattern               Name = "TRACK_PATTERN"
	NameParseHTML                  Name = "PARSE_HTML"
	NameCleanHTML                  Name = "CLEAN_HTML"
	NameParseIngredientLine        Name = "PARSE_INGREDIENT_LINE"
	NameSaveIngredientLine         Name = "SAVE_INGREDIENT_LINE"
	NameFormatInstruction          Name = "FORMAT_INSTRUCTION"
	NameSaveInstruction            Name = "SAVE_INSTRUCTION"
	NamePersistNote                Name = "PERSIST_NOTE"
	NameFanoutLines                Name = "FANOUT_LINES"
	NameScheduleCategorization     Name = "SCHEDULE_CATEGORIZATION"
)

// Context carries the per-execution job facts into every action.
type Context struct {
	JobID         string
	AttemptNumber int
	RetryCount    int
	QueueName     string
	WorkerName    string
	StartTime     time.Time
	Operation     string
}

// Action is a single named pipeline step. Execute receives the previous
// action's output as payload and returns the next action's input.
// Implementations may return *queue.QueueError to control retry behavior;
// any other error is classified by the worker runtime.
type Action interface {
	Name() Name
	// ValidateInput returns nil when the payload is acceptable. A non-nil
	// error fails the job before any side effects.
	ValidateInput(payload any) error
	Execute(ctx context.Context, payload any, deps *Dependencies, actx *Context) (any, error)
}

// StatusBroadcaster is the subset of the status service actions use.
type StatusBroadcaster interface {
	AddStatusEventAndBroadcast(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error)
}

// NoteTracker is the subset of the completion tracker actions touch.
type NoteTracker interface {
	Create(noteID, importID string, totalJobs int)
	SetIngredientTotal(noteID string, total int)
	IncrementIngredient(noteID string)
	IngredientStatus(noteID string) (completed, total int, isComplete bool)
	MarkWorkerCompleted(ctx context.Context, noteID string, kind model.WorkerKind)
	MarkCategorizationScheduled(noteID string) bool
	MarkNoteAsFailed(ctx context.Context, noteID, reason, code string, extra map[string]any)
}

// Dependencies is the bundle of capabilities injected once per worker and
// shared across jobs. Stage-specific services hang off the concrete
// actions themselves; this bundle holds the cross-cutting collaborators.
type Dependencies struct {
	Logger            *slog.Logger
	StatusBroadcaster StatusBroadcaster
	Broker            queue.Broker
	Tracker           NoteTracker
}

// statusCarrier is implemented by payloads that know their import/note
// identity; the base wrapper uses it for start/completion events.
type statusCarrier interface {
	StatusIDs() (importID, noteID string)
}
