// Package storagetest provides an in-memory Repository fake for
// pipeline tests.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/storage"
)

// Fake is a thread-safe in-memory Repository. Error fields, when set,
// are returned by the corresponding method.
type Fake struct {
	mu sync.Mutex

	Notes        map[string]*model.Note
	Lines        map[string]*model.ParsedIngredientLine
	Instructions map[string]*model.Instruction
	Patterns     map[string]*model.Pattern
	Categories   map[string][]model.Category // by noteID
	Tags         map[string][]model.Tag      // by noteID
	Events       []model.StatusEvent

	IngredientStatus  map[string]*model.IngredientCompletionStatus
	InstructionStatus map[string]*model.InstructionCompletionStatus

	CreateNoteErr error
	GetNoteErr    error
	SaveCatErr    error
	SaveTagsErr   error
	UpsertErr     error
	LinkErr       error
	PingErr       error

	nextID int
}

var _ storage.Repository = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Notes:             map[string]*model.Note{},
		Lines:             map[string]*model.ParsedIngredientLine{},
		Instructions:      map[string]*model.Instruction{},
		Patterns:          map[string]*model.Pattern{},
		Categories:        map[string][]model.Category{},
		Tags:              map[string][]model.Tag{},
		IngredientStatus:  map[string]*model.IngredientCompletionStatus{},
		InstructionStatus: map[string]*model.InstructionCompletionStatus{},
	}
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) CreateNote(_ context.Context, parsed *model.ParsedHTMLFile) (*model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateNoteErr != nil {
		return nil, f.CreateNoteErr
	}
	note := &model.Note{
		ID:               f.id("note"),
		ImportID:         parsed.ImportID,
		Title:            parsed.Title,
		Content:          parsed.Content,
		EvernoteMetadata: parsed.EvernoteMetadata,
	}
	f.Notes[note.ID] = note
	return note, nil
}

func (f *Fake) GetNoteWithEvernoteMetadata(_ context.Context, noteID string) (*model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetNoteErr != nil {
		return nil, f.GetNoteErr
	}
	note, ok := f.Notes[noteID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return note, nil
}

func (f *Fake) SaveCategoryToNote(_ context.Context, noteID, categoryName string) (*model.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveCatErr != nil {
		return nil, f.SaveCatErr
	}
	cat := model.Category{ID: f.id("cat"), Name: categoryName}
	f.Categories[noteID] = append(f.Categories[noteID], cat)
	return &cat, nil
}

func (f *Fake) SaveTagsToNote(_ context.Context, noteID string, tagNames []string) ([]model.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveTagsErr != nil {
		return nil, f.SaveTagsErr
	}
	out := make([]model.Tag, 0, len(tagNames))
	for _, name := range tagNames {
		tag := model.Tag{ID: f.id("tag"), Name: name}
		f.Tags[noteID] = append(f.Tags[noteID], tag)
		out = append(out, tag)
	}
	return out, nil
}

func (f *Fake) CreateIngredientLine(_ context.Context, line *model.ParsedIngredientLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if line.ID == "" {
		line.ID = f.id("line")
	}
	f.Lines[line.ID] = line
	return nil
}

func (f *Fake) MarkIngredientLineParsed(_ context.Context, lineID string, ruleIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.Lines[lineID]
	if !ok {
		return storage.ErrNotFound
	}
	line.Parsed = true
	line.RuleIDs = ruleIDs
	return nil
}

func (f *Fake) CreateInstruction(_ context.Context, instr *model.Instruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if instr.ID == "" {
		instr.ID = f.id("instr")
	}
	f.Instructions[instr.ID] = instr
	return nil
}

func (f *Fake) MarkInstructionParsed(_ context.Context, instructionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	instr, ok := f.Instructions[instructionID]
	if !ok {
		return storage.ErrNotFound
	}
	instr.Parsed = true
	return nil
}

func (f *Fake) GetIngredientCompletionStatus(_ context.Context, noteID string) (*model.IngredientCompletionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.IngredientStatus[noteID]; ok {
		return st, nil
	}
	completed, total := 0, 0
	for _, line := range f.Lines {
		if line.NoteID != noteID {
			continue
		}
		total++
		if line.Parsed {
			completed++
		}
	}
	return &model.IngredientCompletionStatus{
		CompletedIngredients: completed,
		TotalIngredients:     total,
		IsComplete:           total > 0 && completed == total,
	}, nil
}

func (f *Fake) GetInstructionCompletionStatus(_ context.Context, noteID string) (*model.InstructionCompletionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.InstructionStatus[noteID]; ok {
		return st, nil
	}
	completed, total := 0, 0
	for _, instr := range f.Instructions {
		if instr.NoteID != noteID {
			continue
		}
		total++
		if instr.Parsed {
			completed++
		}
	}
	return &model.InstructionCompletionStatus{
		CompletedInstructions: completed,
		TotalInstructions:     total,
		Progress:              fmt.Sprintf("%d/%d", completed, total),
		IsComplete:            total > 0 && completed == total,
	}, nil
}

func (f *Fake) UpsertPattern(_ context.Context, ruleIDs []string, exampleLine string) (*model.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpsertErr != nil {
		return nil, f.UpsertErr
	}
	key := strings.Join(ruleIDs, "|")
	pat, ok := f.Patterns[key]
	if !ok {
		pat = &model.Pattern{ID: f.id("pat"), RuleIDs: ruleIDs}
		f.Patterns[key] = pat
	}
	pat.OccurrenceCount++
	if exampleLine != "" {
		pat.ExampleLine = exampleLine
	}
	return pat, nil
}

func (f *Fake) GetPatternByRules(_ context.Context, ruleIDs []string) (*model.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pat, ok := f.Patterns[strings.Join(ruleIDs, "|")]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return pat, nil
}

func (f *Fake) LinkPatternToLine(_ context.Context, lineID, patternID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LinkErr != nil {
		return f.LinkErr
	}
	line, ok := f.Lines[lineID]
	if !ok {
		return storage.ErrNotFound
	}
	line.UniqueLinePatternID = patternID
	return nil
}

func (f *Fake) SaveStatusEvent(_ context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = f.id("ev")
	f.Events = append(f.Events, ev)
	return ev, nil
}

func (f *Fake) EventsForImport(_ context.Context, importID string) ([]model.StatusEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.StatusEvent
	for _, ev := range f.Events {
		if ev.ImportID == importID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) Ping(context.Context) error { return f.PingErr }

func (f *Fake) Close() error { return nil }
