package ingredient

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/storage/storagetest"
	"github.com/awehrman/peas-sub008/tracker"
)

func TestRuleParserSegments(t *testing.T) {
	p := NewRuleParser()
	cases := []struct {
		line  string
		rules []string
	}{
		{"1 cup flour", []string{"#1_amount", "#2_unit", "#3_ingredient"}},
		{"2 eggs", []string{"#1_amount", "#3_ingredient"}},
		{"salt", []string{"#3_ingredient"}},
		{"1/2 tsp vanilla extract", []string{"#1_amount", "#2_unit", "#3_ingredient"}},
		{"3 cloves garlic, minced", []string{"#1_amount", "#2_unit", "#3_ingredient", "#4_comment"}},
		{"1-2 tablespoons olive oil", []string{"#1_amount", "#2_unit", "#3_ingredient"}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			segments, err := p.ParseLine(context.Background(), tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.rules, RuleIDs(segments))
		})
	}
}

func TestRuleParserValues(t *testing.T) {
	p := NewRuleParser()
	segments, err := p.ParseLine(context.Background(), "3 cloves garlic, minced")
	require.NoError(t, err)
	require.Len(t, segments, 4)
	assert.Equal(t, "3", segments[0].Value)
	assert.Equal(t, "cloves", segments[1].Value)
	assert.Equal(t, "garlic", segments[2].Value)
	assert.Equal(t, "minced", segments[3].Value)
}

func TestRuleParserEmptyLine(t *testing.T) {
	_, err := NewRuleParser().ParseLine(context.Background(), "   ")
	assert.Error(t, err)
}

func newPipeline(t *testing.T, repo *storagetest.Fake) []action.Action {
	t.Helper()
	f := action.NewFactory()
	require.NoError(t, Register(f, Services{Parser: NewRuleParser(), Repo: repo}))
	pipeline, err := f.Pipeline()
	require.NoError(t, err)
	return pipeline
}

func runPipeline(t *testing.T, pipeline []action.Action, deps *action.Dependencies, payload any) model.IngredientJobData {
	t.Helper()
	actx := &action.Context{JobID: "job-1", QueueName: "ingredient", WorkerName: "ingredient-worker"}
	var err error
	for _, act := range pipeline {
		payload, err = act.Execute(context.Background(), payload, deps, actx)
		require.NoError(t, err, "action %s", act.Name())
	}
	return payload.(model.IngredientJobData)
}

func TestRegisterOrder(t *testing.T) {
	f := action.NewFactory()
	require.NoError(t, Register(f, Services{Parser: NewRuleParser(), Repo: storagetest.New()}))
	assert.Equal(t, []action.Name{
		action.NameParseIngredientLine,
		action.NameSaveIngredientLine,
		action.NameTrackPattern,
		action.NameCheckIngredientCompletion,
	}, f.Names())
}

func TestPipelineParsesSavesAndTracks(t *testing.T) {
	repo := storagetest.New()
	tr := tracker.New(slog.Default())
	tr.SetIngredientTotal("n1", 2)
	broker := queue.NewMemoryBroker()
	deps := &action.Dependencies{Logger: slog.Default(), Tracker: tr, Broker: broker}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.IngredientJobData{
		NoteID:     "n1",
		ImportID:   "i1",
		LineIndex:  0,
		Reference:  "1 cup flour",
		TotalLines: 2,
	})

	require.NotEmpty(t, out.IngredientLineID)
	line := repo.Lines[out.IngredientLineID]
	require.NotNil(t, line)
	assert.True(t, line.Parsed)
	assert.Equal(t, []string{"#1_amount", "#2_unit", "#3_ingredient"}, line.RuleIDs)

	// Pattern upserted and linked back to the line.
	pat, err := repo.GetPatternByRules(context.Background(), line.RuleIDs)
	require.NoError(t, err)
	assert.Equal(t, 1, pat.OccurrenceCount)
	assert.Equal(t, pat.ID, line.UniqueLinePatternID)
	assert.Equal(t, pat.ID, out.Metadata.GetString("patternId"))

	// First of two lines: no categorization yet.
	assert.Zero(t, broker.Depth(string(model.QueueCategorization)))
	completed, _, isComplete := tr.IngredientStatus("n1")
	assert.Equal(t, 1, completed)
	assert.False(t, isComplete)
}

func TestFinalLineSchedulesCategorizationOnce(t *testing.T) {
	repo := storagetest.New()
	tr := tracker.New(slog.Default())
	tr.SetIngredientTotal("n1", 1)
	broker := queue.NewMemoryBroker()
	deps := &action.Dependencies{Logger: slog.Default(), Tracker: tr, Broker: broker}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.IngredientJobData{
		NoteID: "n1", ImportID: "i1", Reference: "1 cup flour", TotalLines: 1,
	})

	assert.Equal(t, 1, broker.Depth(string(model.QueueCategorization)))
	assert.NotEmpty(t, out.Metadata.GetString("categorizationJobId"))

	// A second completion signal for the same note must not reschedule.
	check := &checkCompletionAction{svc: Services{Parser: NewRuleParser(), Repo: repo}, retries: 0, delay: time.Millisecond}
	_, err := check.Execute(context.Background(), out, deps, &action.Context{JobID: "job-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Depth(string(model.QueueCategorization)))
}

func TestCompletionTimeoutMarksNoteFailed(t *testing.T) {
	repo := storagetest.New()
	// Repository never reports completeness.
	repo.IngredientStatus["n1"] = &model.IngredientCompletionStatus{
		CompletedIngredients: 0, TotalIngredients: 2, IsComplete: false,
	}
	tr := tracker.New(slog.Default())
	tr.SetIngredientTotal("n1", 1)
	broker := queue.NewMemoryBroker()
	deps := &action.Dependencies{Logger: slog.Default(), Tracker: tr, Broker: broker}

	check := &checkCompletionAction{svc: Services{Parser: NewRuleParser(), Repo: repo}, retries: 2, delay: time.Millisecond}
	tr.IncrementIngredient("n1")
	_, err := check.Execute(context.Background(), model.IngredientJobData{
		NoteID: "n1", ImportID: "i1", Reference: "x",
	}, deps, &action.Context{JobID: "job-1"})
	require.NoError(t, err)

	// Nothing scheduled; the note took the failure path instead.
	assert.Zero(t, broker.Depth(string(model.QueueCategorization)))
}

func TestSamePatternAcrossLinesIncrementsOccurrence(t *testing.T) {
	repo := storagetest.New()
	deps := &action.Dependencies{Logger: slog.Default(), Broker: queue.NewMemoryBroker()}
	pipeline := newPipeline(t, repo)

	runPipeline(t, pipeline, deps, model.IngredientJobData{NoteID: "n1", ImportID: "i1", Reference: "1 cup flour"})
	runPipeline(t, pipeline, deps, model.IngredientJobData{NoteID: "n1", ImportID: "i1", Reference: "2 cups sugar"})

	pat, err := repo.GetPatternByRules(context.Background(), []string{"#1_amount", "#2_unit", "#3_ingredient"})
	require.NoError(t, err)
	assert.Equal(t, 2, pat.OccurrenceCount)
}

func TestValidateRequiredFields(t *testing.T) {
	assert.Error(t, Validate(json.RawMessage(`{"reference":"x"}`)))
	assert.Error(t, Validate(json.RawMessage(`{"noteId":"n1"}`)))
	assert.NoError(t, Validate(json.RawMessage(`{"noteId":"n1","reference":"1 cup flour"}`)))
}
