// Package storage provides the repository contract the pipeline persists
// through, and its SQLite implementation.
package storage

import (
	"context"
	"errors"

	"github.com/awehrman/peas-sub008/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Repository is the persistence contract consumed by the actions. The
// engine treats the repository as ground truth for completion status;
// in-memory trackers are a fast approximation.
type Repository interface {
	// Notes
	CreateNote(ctx context.Context, parsed *model.ParsedHTMLFile) (*model.Note, error)
	GetNoteWithEvernoteMetadata(ctx context.Context, noteID string) (*model.Note, error)

	// Categorization
	SaveCategoryToNote(ctx context.Context, noteID, categoryName string) (*model.Category, error)
	SaveTagsToNote(ctx context.Context, noteID string, tagNames []string) ([]model.Tag, error)

	// Lines
	CreateIngredientLine(ctx context.Context, line *model.ParsedIngredientLine) error
	MarkIngredientLineParsed(ctx context.Context, lineID string, ruleIDs []string) error
	CreateInstruction(ctx context.Context, instr *model.Instruction) error
	MarkInstructionParsed(ctx context.Context, instructionID string) error
	GetIngredientCompletionStatus(ctx context.Context, noteID string) (*model.IngredientCompletionStatus, error)
	GetInstructionCompletionStatus(ctx context.Context, noteID string) (*model.InstructionCompletionStatus, error)

	// Patterns. UpsertPattern is transactional and keyed on the exact
	// ordered ruleID sequence; repeated upserts increment occurrenceCount.
	UpsertPattern(ctx context.Context, ruleIDs []string, exampleLine string) (*model.Pattern, error)
	GetPatternByRules(ctx context.Context, ruleIDs []string) (*model.Pattern, error)
	LinkPatternToLine(ctx context.Context, lineID, patternID string) error

	// Status log
	SaveStatusEvent(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error)
	EventsForImport(ctx context.Context, importID string) ([]model.StatusEvent, error)

	// Ping reports connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}
