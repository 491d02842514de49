// Package tracker implements the per-note completion accounting that
// gates cross-stage scheduling: fan-in job counters, per-worker
// completion sets, the ingredient sub-tracker, and the one-shot
// categorization-scheduled flag.
package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/awehrman/peas-sub008/model"
)

// Broadcaster is the subset of the status service the tracker emits on.
type Broadcaster interface {
	AddStatusEventAndBroadcast(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error)
}

// CompletionHook fires when every expected worker has completed a note.
type CompletionHook func(ctx context.Context, noteID string)

// DefaultExpectedWorkers is the worker set that must complete before a
// note is declared done. Call sites with narrower semantics pass their
// own set via WithExpectedWorkers.
var DefaultExpectedWorkers = []model.WorkerKind{
	model.WorkerNote,
	model.WorkerIngredient,
	model.WorkerInstruction,
}

type noteState struct {
	importID         string
	totalJobs        int
	completedJobs    int
	completedWorkers map[model.WorkerKind]bool

	ingredientCompleted int
	ingredientTotal     int

	categorizationScheduled bool
	completionFired         bool
}

// CompletionTracker keys fan-in state by noteID. All mutations serialize
// per note under the tracker mutex; counters are monotone non-decreasing
// until explicit cleanup.
type CompletionTracker struct {
	mu       sync.Mutex
	notes    map[string]*noteState
	expected []model.WorkerKind

	logger      *slog.Logger
	broadcaster Broadcaster
	onComplete  CompletionHook
}

// Option customizes tracker construction.
type Option func(*CompletionTracker)

// WithExpectedWorkers overrides the worker set required for completion.
func WithExpectedWorkers(kinds ...model.WorkerKind) Option {
	return func(t *CompletionTracker) { t.expected = kinds }
}

// WithCompletionHook installs the all-workers-complete callback.
func WithCompletionHook(hook CompletionHook) Option {
	return func(t *CompletionTracker) { t.onComplete = hook }
}

// WithBroadcaster installs the status broadcaster used for terminal events.
func WithBroadcaster(b Broadcaster) Option {
	return func(t *CompletionTracker) { t.broadcaster = b }
}

// New constructs a tracker.
func New(logger *slog.Logger, opts ...Option) *CompletionTracker {
	t := &CompletionTracker{
		notes:    make(map[string]*noteState),
		expected: DefaultExpectedWorkers,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *CompletionTracker) state(noteID string) *noteState {
	s, ok := t.notes[noteID]
	if !ok {
		s = &noteState{completedWorkers: make(map[model.WorkerKind]bool)}
		t.notes[noteID] = s
	}
	return s
}

// Create creates or resets the tracker for a note. Repeated calls with
// the same totalJobs are no-ops; a conflicting totalJobs overrides.
func (t *CompletionTracker) Create(noteID, importID string, totalJobs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.notes[noteID]
	if ok && s.totalJobs == totalJobs {
		if importID != "" {
			s.importID = importID
		}
		return
	}
	if !ok {
		s = t.state(noteID)
	}
	s.importID = importID
	s.totalJobs = totalJobs
	if s.completedJobs > totalJobs {
		s.completedJobs = totalJobs
	}
}

// Update sets the absolute completed count. When no tracker exists it
// creates a fallback with totalJobs = completedJobs, which is immediately
// complete; this is the fast path for untracked bulk-completion signals.
func (t *CompletionTracker) Update(noteID string, completedJobs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.notes[noteID]
	if !ok {
		s = t.state(noteID)
		s.totalJobs = completedJobs
		s.completedJobs = completedJobs
		return
	}
	// Monotone: never move the counter backwards.
	if completedJobs > s.completedJobs {
		s.completedJobs = completedJobs
	}
	if s.completedJobs > s.totalJobs {
		s.completedJobs = s.totalJobs
	}
}

// Increment adds one completed job, creating a {1,1} fallback when the
// note is untracked. The counter ceilings at totalJobs.
func (t *CompletionTracker) Increment(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.notes[noteID]
	if !ok {
		s = t.state(noteID)
		s.totalJobs = 1
		s.completedJobs = 1
		return
	}
	if s.completedJobs < s.totalJobs {
		s.completedJobs++
	}
}

// Status reports progress for a note. A missing tracker reports
// {0, 0, true}: absence means trivially complete, and upstream code paths
// rely on that exact semantic for "no work" signaling.
func (t *CompletionTracker) Status(noteID string) (completedJobs, totalJobs int, isComplete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.notes[noteID]
	if !ok {
		return 0, 0, true
	}
	complete := (s.totalJobs > 0 && s.completedJobs == s.totalJobs) || t.allWorkersDoneLocked(s)
	return s.completedJobs, s.totalJobs, complete
}

func (t *CompletionTracker) allWorkersDoneLocked(s *noteState) bool {
	for _, kind := range t.expected {
		if !s.completedWorkers[kind] {
			return false
		}
	}
	return len(t.expected) > 0
}

// MarkWorkerCompleted records a worker's completion for the note. When
// the completed set covers the expected workers, it emits a final
// COMPLETED status event once and fires the completion hook.
func (t *CompletionTracker) MarkWorkerCompleted(ctx context.Context, noteID string, kind model.WorkerKind) {
	t.mu.Lock()
	s := t.state(noteID)
	s.completedWorkers[kind] = true

	fire := t.allWorkersDoneLocked(s) && !s.completionFired
	if fire {
		s.completionFired = true
	}
	importID := s.importID
	t.mu.Unlock()

	t.logger.Debug("worker completed", "note_id", noteID, "worker", string(kind))

	if !fire {
		return
	}

	if t.broadcaster != nil && importID != "" {
		if _, err := t.broadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
			ImportID: importID,
			NoteID:   noteID,
			Status:   model.StatusCompleted,
			Message:  "Note processing completed",
			Context:  "note_completion",
		}); err != nil {
			t.logger.Warn("failed to broadcast note completion", "note_id", noteID, "error", err)
		}
	}
	if t.onComplete != nil {
		t.onComplete(ctx, noteID)
	}
}

// MarkCategorizationScheduled flips the per-note scheduled flag. It
// returns true exactly once per note, which is what deduplicates
// categorization scheduling across concurrent ingredient jobs.
func (t *CompletionTracker) MarkCategorizationScheduled(noteID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(noteID)
	if s.categorizationScheduled {
		return false
	}
	s.categorizationScheduled = true
	return true
}

// SetIngredientTotal records the expected line count for the sub-tracker.
func (t *CompletionTracker) SetIngredientTotal(noteID string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(noteID)
	if total > s.ingredientTotal {
		s.ingredientTotal = total
	}
}

// IncrementIngredient records one parsed ingredient line.
func (t *CompletionTracker) IncrementIngredient(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(noteID)
	if s.ingredientTotal == 0 || s.ingredientCompleted < s.ingredientTotal {
		s.ingredientCompleted++
	}
}

// IngredientStatus reports ingredient progress for a note. The in-memory
// view is a fast approximation; CHECK_INGREDIENT_COMPLETION treats the
// repository as ground truth when it consults it.
func (t *CompletionTracker) IngredientStatus(noteID string) (completed, total int, isComplete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.notes[noteID]
	if !ok {
		return 0, 0, true
	}
	return s.ingredientCompleted, s.ingredientTotal,
		s.ingredientTotal > 0 && s.ingredientCompleted >= s.ingredientTotal
}

// MarkNoteAsFailed emits the terminal FAILED status event for a note.
func (t *CompletionTracker) MarkNoteAsFailed(ctx context.Context, noteID, reason, code string, extra map[string]any) {
	t.mu.Lock()
	importID := ""
	if s, ok := t.notes[noteID]; ok {
		importID = s.importID
	}
	t.mu.Unlock()

	t.logger.Error("note failed", "note_id", noteID, "reason", reason, "code", code, "context", extra)

	if t.broadcaster == nil || importID == "" {
		return
	}
	meta := model.JobMetadata{"code": code}
	for k, v := range extra {
		meta[k] = v
	}
	if _, err := t.broadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
		ImportID: importID,
		NoteID:   noteID,
		Status:   model.StatusFailed,
		Message:  reason,
		Context:  "note_failure",
		Metadata: meta,
	}); err != nil {
		t.logger.Warn("failed to broadcast note failure", "note_id", noteID, "error", err)
	}
}

// Cleanup removes a note's tracker state. Trackers are only removed by
// explicit cleanup, never as a side effect of completion.
func (t *CompletionTracker) Cleanup(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notes, noteID)
}
