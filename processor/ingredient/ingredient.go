// Package ingredient composes the per-line ingredient stage: grammar
// parse, persistence, pattern tracking, and the completion check that
// hands the note over to categorization.
package ingredient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/pattern"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/scheduler"
	"github.com/awehrman/peas-sub008/storage"
)

// Completion-check retry policy: absorbs the window between the final
// line's repository write and its visibility to the status read.
const (
	completionRetries = 3
	completionDelay   = time.Second
)

// Services are the stage-specific collaborators.
type Services struct {
	Parser LineParser
	Repo   storage.Repository
}

// Register adds the ingredient pipeline in execution order:
// PARSE_INGREDIENT_LINE → SAVE_INGREDIENT_LINE → TRACK_PATTERN →
// CHECK_INGREDIENT_COMPLETION.
func Register(f action.Registry, svc Services) error {
	if err := action.ValidateRegistry(f); err != nil {
		return fmt.Errorf("register ingredient actions: %w", err)
	}
	if svc.Parser == nil || svc.Repo == nil {
		return fmt.Errorf("register ingredient actions: parser and repository required")
	}

	steps := []struct {
		name action.Name
		ctor action.Constructor
	}{
		{action.NameParseIngredientLine, func() action.Action {
			return action.Wrap(&parseLineAction{svc: svc})
		}},
		{action.NameSaveIngredientLine, func() action.Action {
			return action.Wrap(&saveLineAction{svc: svc})
		}},
		{action.NameTrackPattern, func() action.Action {
			return action.Wrap(&trackPatternAction{svc: svc})
		}},
		{action.NameCheckIngredientCompletion, func() action.Action {
			return action.Wrap(&checkCompletionAction{
				svc:     svc,
				retries: completionRetries,
				delay:   completionDelay,
			})
		}},
	}
	for _, s := range steps {
		if err := f.Register(s.name, s.ctor); err != nil {
			return fmt.Errorf("register ingredient actions: %w", err)
		}
	}
	return nil
}

// Validate checks the required ingredient job fields.
func Validate(payload json.RawMessage) error {
	var data model.IngredientJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("ingredient payload: %w", err)
	}
	if data.NoteID == "" {
		return fmt.Errorf("ingredient payload: noteId is required")
	}
	if data.Reference == "" {
		return fmt.Errorf("ingredient payload: reference is required")
	}
	return nil
}

// Decode produces the typed input for the first action.
func Decode(payload json.RawMessage) (any, error) {
	var data model.IngredientJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

type parseLineAction struct {
	svc Services
}

func (a *parseLineAction) Name() action.Name { return action.NameParseIngredientLine }

func (a *parseLineAction) ValidateInput(payload any) error {
	data, ok := payload.(model.IngredientJobData)
	if !ok {
		return fmt.Errorf("expected ingredient job data, got %T", payload)
	}
	if data.Reference == "" {
		return fmt.Errorf("reference is required")
	}
	return nil
}

func (a *parseLineAction) Execute(ctx context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.IngredientJobData)
	segments, err := a.svc.Parser.ParseLine(ctx, data.Reference)
	if err != nil {
		return nil, fmt.Errorf("parse ingredient line %d: %w", data.LineIndex, err)
	}
	data.Segments = segments
	data.RuleIDs = RuleIDs(segments)
	return data, nil
}

type saveLineAction struct {
	svc Services
}

func (a *saveLineAction) Name() action.Name { return action.NameSaveIngredientLine }

func (a *saveLineAction) ValidateInput(payload any) error {
	data, ok := payload.(model.IngredientJobData)
	if !ok {
		return fmt.Errorf("expected ingredient job data, got %T", payload)
	}
	if len(data.Segments) == 0 {
		return fmt.Errorf("no segments to save")
	}
	return nil
}

func (a *saveLineAction) Execute(ctx context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.IngredientJobData)
	line := &model.ParsedIngredientLine{
		ID:        data.IngredientLineID,
		NoteID:    data.NoteID,
		LineIndex: data.LineIndex,
		Reference: data.Reference,
		RuleIDs:   data.RuleIDs,
		Segments:  data.Segments,
	}
	if err := a.svc.Repo.CreateIngredientLine(ctx, line); err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database create ingredient line: %w", err))}
	}
	if err := a.svc.Repo.MarkIngredientLineParsed(ctx, line.ID, data.RuleIDs); err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database mark line parsed: %w", err))}
	}

	data.IngredientLineID = line.ID
	data.Metadata = data.Metadata.Clone()
	data.Metadata["ingredientLineId"] = line.ID
	return data, nil
}

type trackPatternAction struct {
	svc Services
}

func (a *trackPatternAction) Name() action.Name { return action.NameTrackPattern }

func (a *trackPatternAction) ValidateInput(payload any) error {
	if _, ok := payload.(model.IngredientJobData); !ok {
		return fmt.Errorf("expected ingredient job data, got %T", payload)
	}
	return nil
}

// Execute delegates to the pattern write path. Pattern failures are
// recorded in metadata, never returned; the line keeps moving.
func (a *trackPatternAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, actx *action.Context) (any, error) {
	data := payload.(model.IngredientJobData)
	tracked := pattern.Track(ctx, model.PatternJobData{
		JobID:        actx.JobID,
		PatternRules: data.RuleIDs,
		ExampleLine:  data.Reference,
		Metadata:     data.Metadata,
	}, a.svc.Repo, deps.Logger)
	data.Metadata = tracked.Metadata
	return data, nil
}

type checkCompletionAction struct {
	svc     Services
	retries int
	delay   time.Duration
}

func (a *checkCompletionAction) Name() action.Name { return action.NameCheckIngredientCompletion }

func (a *checkCompletionAction) ValidateInput(payload any) error {
	data, ok := payload.(model.IngredientJobData)
	if !ok {
		return fmt.Errorf("expected ingredient job data, got %T", payload)
	}
	if data.NoteID == "" {
		return fmt.Errorf("noteId is required")
	}
	return nil
}

// Execute records this line and, when the tracker believes the note's
// ingredient stage is done, confirms against the repository (ground
// truth) with bounded retries before scheduling categorization exactly
// once per note. Confirmation that never arrives marks the note failed.
func (a *checkCompletionAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, actx *action.Context) (any, error) {
	data := payload.(model.IngredientJobData)

	if deps.Tracker != nil {
		deps.Tracker.IncrementIngredient(data.NoteID)
		deps.Tracker.MarkWorkerCompleted(ctx, data.NoteID, model.WorkerIngredient)
	}

	trackerComplete := true
	if deps.Tracker != nil {
		_, _, trackerComplete = deps.Tracker.IngredientStatus(data.NoteID)
	}
	if !trackerComplete {
		return data, nil
	}

	confirmed := false
	for attempt := 0; attempt <= a.retries; attempt++ {
		status, err := a.svc.Repo.GetIngredientCompletionStatus(ctx, data.NoteID)
		if err == nil && status.IsComplete {
			confirmed = true
			break
		}
		if attempt == a.retries {
			break
		}
		if deps.Logger != nil {
			deps.Logger.Debug("ingredient completion not yet visible, retrying",
				"note_id", data.NoteID, "attempt", attempt+1)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.delay):
		}
	}

	if !confirmed {
		if deps.Tracker != nil {
			deps.Tracker.MarkNoteAsFailed(ctx, data.NoteID,
				"Ingredient completion could not be confirmed",
				"INGREDIENT_COMPLETION_TIMEOUT",
				map[string]any{"jobId": actx.JobID})
		}
		return data, nil
	}

	if deps.Tracker == nil || deps.Tracker.MarkCategorizationScheduled(data.NoteID) {
		jobID, err := scheduler.ScheduleCategorizationJob(ctx, data.NoteID, data.ImportID,
			deps.Broker, deps.Logger, deps.StatusBroadcaster, actx.JobID)
		if err != nil {
			return nil, fmt.Errorf("schedule categorization for note %s: %w", data.NoteID, err)
		}
		data.Metadata = data.Metadata.Clone()
		data.Metadata["categorizationJobId"] = jobID
	}
	return data, nil
}
