// Package categorization composes the categorization stage: determine
// and save a category, then determine and save tags from the note's
// Evernote metadata.
package categorization

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/storage"
)

const (
	defaultCategory = "Uncategorized"

	// reason strings recorded in metadata; these are load-bearing for
	// downstream display, keep them stable.
	reasonNoTagsMetadata   = "No Evernote tags metadata"
	reasonFromTags         = "Derived from Evernote tags"
	reasonFromNotebook     = "Derived from Evernote notebook"
	reasonNoCategorySource = "No Evernote metadata to derive a category from"
)

// Services are the stage-specific collaborators.
type Services struct {
	Repo storage.Repository
}

// Register adds the categorization pipeline in execution order:
// DETERMINE_CATEGORY → SAVE_CATEGORY → DETERMINE_TAGS → SAVE_TAGS.
func Register(f action.Registry, svc Services) error {
	if err := action.ValidateRegistry(f); err != nil {
		return fmt.Errorf("register categorization actions: %w", err)
	}
	if svc.Repo == nil {
		return fmt.Errorf("register categorization actions: repository required")
	}

	steps := []struct {
		name action.Name
		ctor action.Constructor
	}{
		{action.NameDetermineCategory, func() action.Action {
			return action.Wrap(&determineCategoryAction{svc: svc}, action.WithStartBroadcast())
		}},
		{action.NameSaveCategory, func() action.Action {
			return action.Wrap(&saveCategoryAction{svc: svc})
		}},
		{action.NameDetermineTags, func() action.Action {
			// Broadcast errors must propagate here, so the action
			// broadcasts inline instead of through the base wrapper.
			return action.Wrap(&determineTagsAction{svc: svc})
		}},
		{action.NameSaveTags, func() action.Action {
			return action.Wrap(&saveTagsAction{svc: svc}, action.WithCompletionBroadcast())
		}},
	}
	for _, s := range steps {
		if err := f.Register(s.name, s.ctor); err != nil {
			return fmt.Errorf("register categorization actions: %w", err)
		}
	}
	return nil
}

// Validate checks the required categorization job fields.
func Validate(payload json.RawMessage) error {
	var data model.CategorizationJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("categorization payload: %w", err)
	}
	if data.NoteID == "" {
		return fmt.Errorf("categorization payload: noteId is required")
	}
	if data.ImportID == "" {
		return fmt.Errorf("categorization payload: importId is required")
	}
	return nil
}

// Decode produces the typed input for the first action.
func Decode(payload json.RawMessage) (any, error) {
	var data model.CategorizationJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Result accumulates the stage outputs as the pipeline advances.
type Result struct {
	model.CategorizationJobData
	Category               string   `json:"category"`
	CategoryReason         string   `json:"categoryReason"`
	SavedCategory          *model.Category
	DeterminedTags         []string `json:"determinedTags"`
	TagDeterminationReason string   `json:"tagDeterminationReason"`
	SavedTags              []model.Tag
}

type determineCategoryAction struct {
	svc Services
}

func (a *determineCategoryAction) Name() action.Name { return action.NameDetermineCategory }

func (a *determineCategoryAction) ValidateInput(payload any) error {
	data, ok := payload.(model.CategorizationJobData)
	if !ok {
		return fmt.Errorf("expected categorization job data, got %T", payload)
	}
	if data.NoteID == "" {
		return fmt.Errorf("noteId is required")
	}
	return nil
}

// Execute derives the category from the note's Evernote metadata:
// notebook name first, then the first tag, then the default.
func (a *determineCategoryAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.CategorizationJobData)
	note, err := a.svc.Repo.GetNoteWithEvernoteMetadata(ctx, data.NoteID)
	if err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database get note %s: %w", data.NoteID, err))}
	}

	out := Result{CategorizationJobData: data}
	switch {
	case note.EvernoteMetadata != nil && note.EvernoteMetadata.Notebook != "":
		out.Category = note.EvernoteMetadata.Notebook
		out.CategoryReason = reasonFromNotebook
	case note.EvernoteMetadata != nil && len(note.EvernoteMetadata.Tags) > 0:
		out.Category = note.EvernoteMetadata.Tags[0]
		out.CategoryReason = reasonFromTags
	default:
		out.Category = defaultCategory
		out.CategoryReason = reasonNoCategorySource
	}

	if deps.Logger != nil {
		deps.Logger.Debug("category determined",
			"note_id", data.NoteID, "category", out.Category, "reason", out.CategoryReason)
	}
	return out, nil
}

type saveCategoryAction struct {
	svc Services
}

func (a *saveCategoryAction) Name() action.Name { return action.NameSaveCategory }

func (a *saveCategoryAction) ValidateInput(payload any) error {
	out, ok := payload.(Result)
	if !ok {
		return fmt.Errorf("expected categorization result, got %T", payload)
	}
	if out.Category == "" {
		return fmt.Errorf("no category determined")
	}
	return nil
}

func (a *saveCategoryAction) Execute(ctx context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	out := payload.(Result)
	cat, err := a.svc.Repo.SaveCategoryToNote(ctx, out.NoteID, out.Category)
	if err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database save category: %w", err))}
	}
	out.SavedCategory = cat
	return out, nil
}

type determineTagsAction struct {
	svc Services
}

func (a *determineTagsAction) Name() action.Name { return action.NameDetermineTags }

func (a *determineTagsAction) ValidateInput(payload any) error {
	if _, ok := payload.(Result); !ok {
		return fmt.Errorf("expected categorization result, got %T", payload)
	}
	return nil
}

// Execute determines tags and broadcasts progress inline. Unlike the
// base-wrapper events, a broadcast failure here fails the job.
func (a *determineTagsAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	out := payload.(Result)

	note, err := a.svc.Repo.GetNoteWithEvernoteMetadata(ctx, out.NoteID)
	if err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database get note %s: %w", out.NoteID, err))}
	}

	if note.EvernoteMetadata == nil || len(note.EvernoteMetadata.Tags) == 0 {
		out.DeterminedTags = []string{}
		out.TagDeterminationReason = reasonNoTagsMetadata
	} else {
		out.DeterminedTags = note.EvernoteMetadata.Tags
		out.TagDeterminationReason = reasonFromTags
	}

	if deps.StatusBroadcaster != nil {
		if _, err := deps.StatusBroadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
			ImportID: out.ImportID,
			NoteID:   out.NoteID,
			Status:   model.StatusProcessing,
			Message:  fmt.Sprintf("Determined %d tags", len(out.DeterminedTags)),
			Context:  string(action.NameDetermineTags),
			Metadata: map[string]any{"reason": out.TagDeterminationReason},
		}); err != nil {
			return nil, fmt.Errorf("broadcast tag determination: %w", err)
		}
	}
	return out, nil
}

type saveTagsAction struct {
	svc Services
}

func (a *saveTagsAction) Name() action.Name { return action.NameSaveTags }

func (a *saveTagsAction) ValidateInput(payload any) error {
	out, ok := payload.(Result)
	if !ok {
		return fmt.Errorf("expected categorization result, got %T", payload)
	}
	if out.DeterminedTags == nil {
		return fmt.Errorf("tags not determined")
	}
	return nil
}

func (a *saveTagsAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	out := payload.(Result)
	if len(out.DeterminedTags) > 0 {
		tags, err := a.svc.Repo.SaveTagsToNote(ctx, out.NoteID, out.DeterminedTags)
		if err != nil {
			return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database save tags: %w", err))}
		}
		out.SavedTags = tags
	}
	if deps.Tracker != nil {
		deps.Tracker.MarkWorkerCompleted(ctx, out.NoteID, model.WorkerCategorization)
	}
	return out, nil
}
