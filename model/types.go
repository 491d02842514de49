// Package model defines the shared domain types that flow between the
// pipeline stages: notes, parsed lines, patterns, status events, and the
// per-stage job payloads carried on the queues.
package model

import (
	"encoding/json"
	"time"
)

// QueueName identifies one of the stage queues.
type QueueName string

const (
	QueueNote           QueueName = "note"
	QueueImage          QueueName = "image"
	QueueIngredient     QueueName = "ingredient"
	QueueInstruction    QueueName = "instruction"
	QueueCategorization QueueName = "categorization"
	QueuePatternTrack   QueueName = "pattern_tracking"
)

// WorkerKind identifies the worker that contributes to a note's completion.
type WorkerKind string

const (
	WorkerNote           WorkerKind = "note"
	WorkerImage          WorkerKind = "image"
	WorkerIngredient     WorkerKind = "ingredient"
	WorkerInstruction    WorkerKind = "instruction"
	WorkerCategorization WorkerKind = "categorization"
)

// Status values used in status events.
type Status string

const (
	StatusProcessing      Status = "PROCESSING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusAwaitingParsing Status = "AWAITING_PARSING"
)

// StatusEvent is a structured progress message emitted for an import.
type StatusEvent struct {
	ID          string         `json:"id,omitempty"`
	ImportID    string         `json:"importId"`
	NoteID      string         `json:"noteId,omitempty"`
	Status      Status         `json:"status"`
	Message     string         `json:"message"`
	Context     string         `json:"context"`
	IndentLevel int            `json:"indentLevel,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty"`
}

// Note is the persisted recipe note.
type Note struct {
	ID               string            `json:"id"`
	ImportID         string            `json:"importId"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	EvernoteMetadata *EvernoteMetadata `json:"evernoteMetadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// EvernoteMetadata carries source metadata extracted from the original
// export, of which only tags participate in categorization.
type EvernoteMetadata struct {
	Tags       []string `json:"tags,omitempty"`
	SourceURL  string   `json:"sourceUrl,omitempty"`
	Notebook   string   `json:"notebook,omitempty"`
	OriginalID string   `json:"originalId,omitempty"`
}

// ParsedHTMLFile is the output of the note HTML parse step.
type ParsedHTMLFile struct {
	ImportID         string            `json:"importId"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	IngredientLines  []string          `json:"ingredientLines"`
	InstructionLines []string          `json:"instructionLines"`
	EvernoteMetadata *EvernoteMetadata `json:"evernoteMetadata,omitempty"`
}

// ParsedIngredientLine is a single ingredient line after grammar parsing.
type ParsedIngredientLine struct {
	ID                  string    `json:"id"`
	NoteID              string    `json:"noteId"`
	LineIndex           int       `json:"lineIndex"`
	Reference           string    `json:"reference"`
	Parsed              bool      `json:"parsed"`
	RuleIDs             []string  `json:"ruleIds,omitempty"`
	Segments            []Segment `json:"segments,omitempty"`
	UniqueLinePatternID string    `json:"uniqueLinePatternId,omitempty"`
}

// Segment is one token span produced by the ingredient grammar parser.
type Segment struct {
	Rule  string `json:"rule"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Instruction is a single persisted instruction line.
type Instruction struct {
	ID        string `json:"id"`
	NoteID    string `json:"noteId"`
	LineIndex int    `json:"lineIndex"`
	Reference string `json:"reference"`
	Parsed    bool   `json:"parsed"`
}

// Pattern is a durable record keyed by the exact ordered ruleID sequence.
type Pattern struct {
	ID              string    `json:"id"`
	RuleIDs         []string  `json:"ruleIds"`
	ExampleLine     string    `json:"exampleLine,omitempty"`
	OccurrenceCount int       `json:"occurrenceCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Category and Tag are the categorization outputs.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IngredientCompletionStatus reports per-note ingredient progress.
type IngredientCompletionStatus struct {
	CompletedIngredients int  `json:"completedIngredients"`
	TotalIngredients     int  `json:"totalIngredients"`
	IsComplete           bool `json:"isComplete"`
}

// InstructionCompletionStatus reports per-note instruction progress.
type InstructionCompletionStatus struct {
	CompletedInstructions int    `json:"completedInstructions"`
	TotalInstructions     int    `json:"totalInstructions"`
	Progress              string `json:"progress"`
	IsComplete            bool   `json:"isComplete"`
}

// NoteJobData is the payload for note-queue jobs.
type NoteJobData struct {
	ImportID string `json:"importId"`
	FilePath string `json:"filePath,omitempty"`
	Content  string `json:"content"`
	NoteID   string `json:"noteId,omitempty"`
	Metadata JobMetadata `json:"metadata,omitempty"`
}

// IngredientJobData is the payload for one ingredient line job.
type IngredientJobData struct {
	NoteID          string      `json:"noteId"`
	ImportID        string      `json:"importId"`
	LineIndex       int         `json:"lineIndex"`
	Reference       string      `json:"reference"`
	TotalLines      int         `json:"totalLines"`
	IngredientLineID string     `json:"ingredientLineId,omitempty"`
	RuleIDs         []string    `json:"ruleIds,omitempty"`
	Segments        []Segment   `json:"segments,omitempty"`
	Metadata        JobMetadata `json:"metadata,omitempty"`
}

// InstructionJobData is the payload for one instruction line job.
type InstructionJobData struct {
	NoteID        string      `json:"noteId"`
	ImportID      string      `json:"importId"`
	LineIndex     int         `json:"lineIndex"`
	Reference     string      `json:"reference"`
	TotalLines    int         `json:"totalLines"`
	InstructionID string      `json:"instructionId,omitempty"`
	Metadata      JobMetadata `json:"metadata,omitempty"`
}

// CategorizationJobData is the payload for categorization jobs.
type CategorizationJobData struct {
	NoteID   string      `json:"noteId"`
	ImportID string      `json:"importId"`
	JobID    string      `json:"jobId"`
	Metadata JobMetadata `json:"metadata,omitempty"`
}

// PatternJobData is the payload for standalone pattern-tracking jobs.
type PatternJobData struct {
	JobID        string      `json:"jobId"`
	PatternRules []string    `json:"patternRules"`
	ExampleLine  string      `json:"exampleLine,omitempty"`
	Metadata     JobMetadata `json:"metadata,omitempty"`
}

// JobMetadata is the free-form metadata bag carried by job payloads.
// Actions record their outputs here (patternId, trackedAt, error, ...).
type JobMetadata map[string]any

// Clone returns a shallow copy so actions can annotate without aliasing.
func (m JobMetadata) Clone() JobMetadata {
	if m == nil {
		return JobMetadata{}
	}
	out := make(JobMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetString returns a string-typed metadata value, or "".
func (m JobMetadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Raw marshals any payload to its wire form.
func Raw(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
