// Package note composes the note stage: clean the raw HTML, parse it
// into titled ingredient/instruction lines, persist the note, and fan
// the lines out to the ingredient and instruction queues.
package note

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/cleaner"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/storage"
)

// Services are the stage-specific collaborators the note actions use.
type Services struct {
	Cleaner cleaner.Cleaner
	Repo    storage.Repository
}

// Register adds the note pipeline to the factory in execution order:
// CLEAN_HTML → PARSE_HTML → PERSIST_NOTE → FANOUT_LINES.
func Register(f action.Registry, svc Services) error {
	if err := action.ValidateRegistry(f); err != nil {
		return fmt.Errorf("register note actions: %w", err)
	}
	if svc.Cleaner == nil || svc.Repo == nil {
		return fmt.Errorf("register note actions: cleaner and repository required")
	}

	steps := []struct {
		name action.Name
		ctor action.Constructor
	}{
		{action.NameCleanHTML, func() action.Action {
			return action.Wrap(&cleanHTMLAction{svc: svc}, action.WithStartBroadcast())
		}},
		{action.NameParseHTML, func() action.Action {
			return action.Wrap(&parseHTMLAction{})
		}},
		{action.NamePersistNote, func() action.Action {
			return action.Wrap(&persistNoteAction{svc: svc}, action.WithCompletionBroadcast())
		}},
		{action.NameFanoutLines, func() action.Action {
			return action.Wrap(&fanoutLinesAction{})
		}},
	}
	for _, s := range steps {
		if err := f.Register(s.name, s.ctor); err != nil {
			return fmt.Errorf("register note actions: %w", err)
		}
	}
	return nil
}

// Validate checks the required note job fields on the raw payload.
func Validate(payload json.RawMessage) error {
	var data model.NoteJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("note payload: %w", err)
	}
	if data.ImportID == "" {
		return fmt.Errorf("note payload: importId is required")
	}
	if strings.TrimSpace(data.Content) == "" {
		return fmt.Errorf("note payload: content is required")
	}
	return nil
}

// Decode produces the typed input for the first action.
func Decode(payload json.RawMessage) (any, error) {
	var data model.NoteJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// cleanedNote is the CLEAN_HTML output: the job payload plus plain text.
type cleanedNote struct {
	model.NoteJobData
	CleanedText string
}

// parsedNote carries the structured parse until persistence.
type parsedNote struct {
	ImportID string
	Parsed   model.ParsedHTMLFile
}

func (p parsedNote) StatusIDs() (string, string) { return p.ImportID, "" }

// persistedNote is the PERSIST_NOTE output consumed by FANOUT_LINES.
type persistedNote struct {
	Note   *model.Note
	Parsed model.ParsedHTMLFile
}

func (p persistedNote) StatusIDs() (string, string) { return p.Note.ImportID, p.Note.ID }

type cleanHTMLAction struct {
	svc Services
}

func (a *cleanHTMLAction) Name() action.Name { return action.NameCleanHTML }

func (a *cleanHTMLAction) ValidateInput(payload any) error {
	data, ok := payload.(model.NoteJobData)
	if !ok {
		return fmt.Errorf("expected note job data, got %T", payload)
	}
	if strings.TrimSpace(data.Content) == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

func (a *cleanHTMLAction) Execute(ctx context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.NoteJobData)
	text, err := a.svc.Cleaner.Clean(ctx, data.Content)
	if err != nil {
		return nil, fmt.Errorf("clean html: %w", err)
	}
	return cleanedNote{NoteJobData: data, CleanedText: text}, nil
}

type parseHTMLAction struct{}

func (a *parseHTMLAction) Name() action.Name { return action.NameParseHTML }

func (a *parseHTMLAction) ValidateInput(payload any) error {
	data, ok := payload.(cleanedNote)
	if !ok {
		return fmt.Errorf("expected cleaned note, got %T", payload)
	}
	if data.CleanedText == "" {
		return fmt.Errorf("cleaned text is empty")
	}
	return nil
}

func (a *parseHTMLAction) Execute(_ context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(cleanedNote)
	parsed := ParseDocument(data.Content, data.CleanedText)
	parsed.ImportID = data.ImportID
	return parsedNote{ImportID: data.ImportID, Parsed: parsed}, nil
}

type persistNoteAction struct {
	svc Services
}

func (a *persistNoteAction) Name() action.Name { return action.NamePersistNote }

func (a *persistNoteAction) ValidateInput(payload any) error {
	data, ok := payload.(parsedNote)
	if !ok {
		return fmt.Errorf("expected parsed note, got %T", payload)
	}
	if data.Parsed.Title == "" {
		return fmt.Errorf("parsed note has no title")
	}
	return nil
}

func (a *persistNoteAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(parsedNote)
	note, err := a.svc.Repo.CreateNote(ctx, &data.Parsed)
	if err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database create note: %w", err))}
	}

	if deps.Tracker != nil {
		total := len(data.Parsed.IngredientLines) + len(data.Parsed.InstructionLines)
		deps.Tracker.Create(note.ID, note.ImportID, total)
		deps.Tracker.SetIngredientTotal(note.ID, len(data.Parsed.IngredientLines))
	}
	return persistedNote{Note: note, Parsed: data.Parsed}, nil
}

type fanoutLinesAction struct{}

func (a *fanoutLinesAction) Name() action.Name { return action.NameFanoutLines }

func (a *fanoutLinesAction) ValidateInput(payload any) error {
	data, ok := payload.(persistedNote)
	if !ok {
		return fmt.Errorf("expected persisted note, got %T", payload)
	}
	if data.Note == nil || data.Note.ID == "" {
		return fmt.Errorf("persisted note has no id")
	}
	return nil
}

// fanoutResult carries the follow-on line jobs the worker enqueues.
type fanoutResult struct {
	persistedNote
	follow []action.FollowOn
}

func (f fanoutResult) FollowOns() []action.FollowOn { return f.follow }

func (a *fanoutLinesAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, actx *action.Context) (any, error) {
	data := payload.(persistedNote)
	note := data.Note

	follow := make([]action.FollowOn, 0, len(data.Parsed.IngredientLines)+len(data.Parsed.InstructionLines))
	for i, line := range data.Parsed.IngredientLines {
		job := model.IngredientJobData{
			NoteID:     note.ID,
			ImportID:   note.ImportID,
			LineIndex:  i,
			Reference:  line,
			TotalLines: len(data.Parsed.IngredientLines),
			Metadata:   model.JobMetadata{"sourceJobId": actx.JobID},
		}
		raw, err := model.Raw(job)
		if err != nil {
			return nil, fmt.Errorf("marshal ingredient job: %w", err)
		}
		follow = append(follow, action.FollowOn{
			QueueName: string(model.QueueIngredient),
			Payload:   raw,
			Opts:      queue.EnqueueOptions{JobID: fmt.Sprintf("ingredient-%s-%d-%s", note.ID, i, uuid.NewString()[:8])},
		})
	}
	for i, line := range data.Parsed.InstructionLines {
		job := model.InstructionJobData{
			NoteID:     note.ID,
			ImportID:   note.ImportID,
			LineIndex:  i,
			Reference:  line,
			TotalLines: len(data.Parsed.InstructionLines),
			Metadata:   model.JobMetadata{"sourceJobId": actx.JobID},
		}
		raw, err := model.Raw(job)
		if err != nil {
			return nil, fmt.Errorf("marshal instruction job: %w", err)
		}
		follow = append(follow, action.FollowOn{
			QueueName: string(model.QueueInstruction),
			Payload:   raw,
			Opts:      queue.EnqueueOptions{JobID: fmt.Sprintf("instruction-%s-%d-%s", note.ID, i, uuid.NewString()[:8])},
		})
	}

	if deps.Tracker != nil {
		deps.Tracker.MarkWorkerCompleted(ctx, note.ID, model.WorkerNote)
	}
	if deps.Logger != nil {
		deps.Logger.Info("note fanned out",
			"note_id", note.ID,
			"ingredient_lines", len(data.Parsed.IngredientLines),
			"instruction_lines", len(data.Parsed.InstructionLines))
	}
	return fanoutResult{persistedNote: data, follow: follow}, nil
}
