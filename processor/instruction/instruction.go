// Package instruction composes the per-line instruction stage: format
// the line, persist it, and record stage completion for the note.
package instruction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/storage"
)

// Services are the stage-specific collaborators.
type Services struct {
	Repo storage.Repository
}

// Register adds the instruction pipeline in execution order:
// FORMAT_INSTRUCTION → SAVE_INSTRUCTION → CHECK_INSTRUCTION_COMPLETION.
func Register(f action.Registry, svc Services) error {
	if err := action.ValidateRegistry(f); err != nil {
		return fmt.Errorf("register instruction actions: %w", err)
	}
	if svc.Repo == nil {
		return fmt.Errorf("register instruction actions: repository required")
	}

	steps := []struct {
		name action.Name
		ctor action.Constructor
	}{
		{action.NameFormatInstruction, func() action.Action {
			return action.Wrap(&formatAction{})
		}},
		{action.NameSaveInstruction, func() action.Action {
			return action.Wrap(&saveAction{svc: svc})
		}},
		{action.NameCheckInstructionCompletion, func() action.Action {
			return action.Wrap(&checkCompletionAction{svc: svc}, action.WithCompletionBroadcast())
		}},
	}
	for _, s := range steps {
		if err := f.Register(s.name, s.ctor); err != nil {
			return fmt.Errorf("register instruction actions: %w", err)
		}
	}
	return nil
}

// Validate checks the required instruction job fields.
func Validate(payload json.RawMessage) error {
	var data model.InstructionJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("instruction payload: %w", err)
	}
	if data.NoteID == "" {
		return fmt.Errorf("instruction payload: noteId is required")
	}
	if strings.TrimSpace(data.Reference) == "" {
		return fmt.Errorf("instruction payload: reference is required")
	}
	return nil
}

// Decode produces the typed input for the first action.
func Decode(payload json.RawMessage) (any, error) {
	var data model.InstructionJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Format normalizes an instruction line: collapse whitespace, uppercase
// the first letter, terminate with a period.
func Format(line string) string {
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return line
	}
	runes := []rune(line)
	runes[0] = unicode.ToUpper(runes[0])
	line = string(runes)
	if !strings.HasSuffix(line, ".") && !strings.HasSuffix(line, "!") && !strings.HasSuffix(line, "?") {
		line += "."
	}
	return line
}

type formatAction struct{}

func (a *formatAction) Name() action.Name { return action.NameFormatInstruction }

func (a *formatAction) ValidateInput(payload any) error {
	data, ok := payload.(model.InstructionJobData)
	if !ok {
		return fmt.Errorf("expected instruction job data, got %T", payload)
	}
	if strings.TrimSpace(data.Reference) == "" {
		return fmt.Errorf("reference is required")
	}
	return nil
}

func (a *formatAction) Execute(_ context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.InstructionJobData)
	data.Reference = Format(data.Reference)
	return data, nil
}

type saveAction struct {
	svc Services
}

func (a *saveAction) Name() action.Name { return action.NameSaveInstruction }

func (a *saveAction) ValidateInput(payload any) error {
	if _, ok := payload.(model.InstructionJobData); !ok {
		return fmt.Errorf("expected instruction job data, got %T", payload)
	}
	return nil
}

func (a *saveAction) Execute(ctx context.Context, payload any, _ *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.InstructionJobData)
	instr := &model.Instruction{
		ID:        data.InstructionID,
		NoteID:    data.NoteID,
		LineIndex: data.LineIndex,
		Reference: data.Reference,
	}
	if err := a.svc.Repo.CreateInstruction(ctx, instr); err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database create instruction: %w", err))}
	}
	if err := a.svc.Repo.MarkInstructionParsed(ctx, instr.ID); err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database mark instruction parsed: %w", err))}
	}
	data.InstructionID = instr.ID
	return data, nil
}

type checkCompletionAction struct {
	svc Services
}

func (a *checkCompletionAction) Name() action.Name { return action.NameCheckInstructionCompletion }

func (a *checkCompletionAction) ValidateInput(payload any) error {
	data, ok := payload.(model.InstructionJobData)
	if !ok {
		return fmt.Errorf("expected instruction job data, got %T", payload)
	}
	if data.NoteID == "" {
		return fmt.Errorf("noteId is required")
	}
	return nil
}

// Execute reads the repository's N/M progress and, when the stage is
// done, records instruction-worker completion for the note.
func (a *checkCompletionAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.InstructionJobData)

	status, err := a.svc.Repo.GetInstructionCompletionStatus(ctx, data.NoteID)
	if err != nil {
		return nil, &queue.QueueError{JobError: queue.Classify(fmt.Errorf("database instruction completion status: %w", err))}
	}

	data.Metadata = data.Metadata.Clone()
	data.Metadata["instructionProgress"] = status.Progress

	if deps.Logger != nil {
		deps.Logger.Debug("instruction progress",
			"note_id", data.NoteID, "progress", status.Progress)
	}
	if status.IsComplete && deps.Tracker != nil {
		deps.Tracker.MarkWorkerCompleted(ctx, data.NoteID, model.WorkerInstruction)
	}
	return data, nil
}
