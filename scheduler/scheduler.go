// Package scheduler breaks the ingredient-completion → categorization
// cycle with a one-shot scheduling function that holds no graph state:
// callers deduplicate via the completion tracker, the scheduler only
// constructs and enqueues the job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

// Broadcaster is the status subset used for the scheduling event.
type Broadcaster interface {
	AddStatusEventAndBroadcast(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error)
}

// jitter spreads job ids issued within the same millisecond.
const jitterRangeMs = 1000

var (
	idMu     sync.Mutex
	lastID   int64
	randFn   = func() int64 { return rand.Int64N(jitterRangeMs + 1) }
)

// jobTimestamp returns now.UnixMilli()+random(0,1000), bumped past the
// previously issued value so ids stay unique under rapid succession.
func jobTimestamp(now time.Time) int64 {
	idMu.Lock()
	defer idMu.Unlock()
	ts := now.UnixMilli() + randFn()
	if ts <= lastID {
		ts = lastID + 1
	}
	lastID = ts
	return ts
}

// JobID builds the categorization job id for a note.
func JobID(noteID string, now time.Time) string {
	return fmt.Sprintf("categorization-%s-%d", noteID, jobTimestamp(now))
}

// ScheduleCategorizationJob enqueues a single categorization job for the
// note. Callers must deduplicate per note and import (the completion
// tracker's MarkCategorizationScheduled flag); the scheduler itself is
// stateless. Failures are logged and returned.
func ScheduleCategorizationJob(
	ctx context.Context,
	noteID, importID string,
	broker queue.Broker,
	logger *slog.Logger,
	broadcaster Broadcaster,
	originalJobID string,
) (string, error) {
	if broadcaster != nil {
		if _, err := broadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
			ImportID: importID,
			NoteID:   noteID,
			Status:   model.StatusProcessing,
			Message:  "Scheduling categorization...",
			Context:  "categorization_scheduling",
		}); err != nil {
			logger.Error("failed to broadcast categorization scheduling",
				"note_id", noteID, "import_id", importID, "error", err)
			return "", fmt.Errorf("broadcast categorization scheduling: %w", err)
		}
	}

	jobID := JobID(noteID, time.Now())
	data := model.CategorizationJobData{
		NoteID:   noteID,
		ImportID: importID,
		JobID:    jobID,
		Metadata: model.JobMetadata{
			"originalJobId": originalJobID,
			"triggeredBy":   "ingredient_completion",
			"scheduledAt":   time.Now().Format(time.RFC3339),
		},
	}
	payload, err := model.Raw(data)
	if err != nil {
		logger.Error("failed to marshal categorization job", "note_id", noteID, "error", err)
		return "", fmt.Errorf("marshal categorization job: %w", err)
	}

	_, err = broker.Enqueue(ctx, string(model.QueueCategorization), payload, queue.EnqueueOptions{
		JobID:            jobID,
		RemoveOnComplete: 100,
		RemoveOnFail:     50,
		Attempts:         3,
		Backoff:          &queue.BackoffSpec{Type: "exponential", Delay: 2000 * time.Millisecond},
	})
	if err != nil {
		logger.Error("failed to enqueue categorization job",
			"note_id", noteID, "import_id", importID, "job_id", jobID, "error", err)
		return "", fmt.Errorf("enqueue categorization job: %w", err)
	}

	logger.Info("categorization scheduled",
		"note_id", noteID, "import_id", importID, "job_id", jobID)
	return jobID, nil
}
