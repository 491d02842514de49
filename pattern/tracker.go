// Package pattern implements the pattern-tracking write path: unique
// rule-sequence upserts with occurrence counting, best-effort linking of
// parsed lines, and a non-throwing failure mode that keeps the main
// pipeline moving.
package pattern

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/storage"
)

const (
	maxRetries = 3
	retryDelay = 100 * time.Millisecond
)

// Store is the repository subset the tracker writes through.
type Store interface {
	UpsertPattern(ctx context.Context, ruleIDs []string, exampleLine string) (*model.Pattern, error)
	LinkPatternToLine(ctx context.Context, lineID, patternID string) error
}

var _ Store = (storage.Repository)(nil)

// Track upserts the pattern for the job's rule sequence and annotates the
// input metadata with the outcome. Empty rule sets are a no-op. Errors
// are recorded in metadata, never returned: pattern tracking must not
// fail the pipeline.
func Track(ctx context.Context, input model.PatternJobData, store Store, logger *slog.Logger) model.PatternJobData {
	if len(input.PatternRules) == 0 {
		return input
	}

	out := input
	out.Metadata = input.Metadata.Clone()

	var pat *model.Pattern
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		pat, err = store.UpsertPattern(ctx, input.PatternRules, input.ExampleLine)
		if err == nil {
			break
		}
		if !isRetryableUpsertError(err) || attempt == maxRetries {
			break
		}
		logger.Debug("pattern upsert conflict, retrying",
			"job_id", input.JobID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxRetries
		case <-time.After(retryDelay):
		}
	}
	if err != nil {
		logger.Error("pattern tracking failed",
			"job_id", input.JobID, "rules", strings.Join(input.PatternRules, ","), "error", err)
		out.Metadata["error"] = err.Error()
		out.Metadata["errorTimestamp"] = time.Now().Format(time.RFC3339)
		return out
	}

	out.Metadata["patternId"] = pat.ID
	out.Metadata["trackedAt"] = time.Now().Format(time.RFC3339)
	out.Metadata["linkedToIngredientLine"] = false

	if lineID := input.Metadata.GetString("ingredientLineId"); lineID != "" {
		if err := store.LinkPatternToLine(ctx, lineID, pat.ID); err != nil {
			// Link failures are logged but never propagated.
			logger.Warn("failed to link pattern to ingredient line",
				"job_id", input.JobID, "line_id", lineID, "pattern_id", pat.ID, "error", err)
		} else {
			out.Metadata["linkedToIngredientLine"] = true
		}
	}

	logger.Debug("pattern tracked",
		"job_id", input.JobID, "pattern_id", pat.ID, "occurrences", pat.OccurrenceCount)
	return out
}

// isRetryableUpsertError matches unique-constraint violations and aborted
// transactions, the two races concurrent upserts of the same sequence hit.
func isRetryableUpsertError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "transaction")
}
