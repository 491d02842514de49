package note

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/cleaner"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/storage/storagetest"
	"github.com/awehrman/peas-sub008/tracker"
)

const sampleHTML = `<html><head>
	<title>Weeknight Pasta</title>
	<meta name="keywords" content="dinner, pasta">
	<meta name="notebook" content="Recipes">
</head><body><article>
	<h1>Weeknight Pasta</h1>
	<p>Ingredients</p>
	<p>1 cup flour</p>
	<p>2 eggs</p>
	<p>Instructions</p>
	<p>Mix the flour and eggs.</p>
	<p>Rest the dough.</p>
</article></body></html>`

// stripCleaner keeps the test deterministic: one text node per line.
type stripCleaner struct{}

func (stripCleaner) Clean(_ context.Context, rawHTML string) (string, error) {
	return cleaner.StripTags(rawHTML)
}

func newPipeline(t *testing.T, svc Services) []action.Action {
	t.Helper()
	f := action.NewFactory()
	require.NoError(t, Register(f, svc))
	pipeline, err := f.Pipeline()
	require.NoError(t, err)
	return pipeline
}

func runPipeline(t *testing.T, pipeline []action.Action, deps *action.Dependencies, payload any) any {
	t.Helper()
	actx := &action.Context{JobID: "job-1", QueueName: "note", WorkerName: "note-worker"}
	var err error
	for _, act := range pipeline {
		payload, err = act.Execute(context.Background(), payload, deps, actx)
		require.NoError(t, err, "action %s", act.Name())
	}
	return payload
}

func TestRegisterOrder(t *testing.T) {
	f := action.NewFactory()
	require.NoError(t, Register(f, Services{Cleaner: stripCleaner{}, Repo: storagetest.New()}))
	assert.Equal(t, []action.Name{
		action.NameCleanHTML,
		action.NameParseHTML,
		action.NamePersistNote,
		action.NameFanoutLines,
	}, f.Names())
}

func TestRegisterRejectsMissingServices(t *testing.T) {
	assert.Error(t, Register(nil, Services{}))
	assert.Error(t, Register(action.NewFactory(), Services{Cleaner: cleaner.NewReadability()}))
}

func TestNotePipelineEndToEnd(t *testing.T) {
	repo := storagetest.New()
	tr := tracker.New(slog.Default())
	deps := &action.Dependencies{Logger: slog.Default(), Tracker: tr}
	pipeline := newPipeline(t, Services{Cleaner: stripCleaner{}, Repo: repo})

	result := runPipeline(t, pipeline, deps, model.NoteJobData{
		ImportID: "i1",
		Content:  sampleHTML,
	})

	out, ok := result.(fanoutResult)
	require.True(t, ok, "expected fanout result, got %T", result)
	require.NotNil(t, out.Note)
	assert.Equal(t, "Weeknight Pasta", out.Note.Title)
	assert.Equal(t, []string{"1 cup flour", "2 eggs"}, out.Parsed.IngredientLines)
	assert.Equal(t, []string{"Mix the flour and eggs.", "Rest the dough."}, out.Parsed.InstructionLines)

	// One follow-on per line, split across the two queues.
	require.Len(t, out.FollowOns(), 4)
	queues := map[string]int{}
	for _, fo := range out.FollowOns() {
		queues[fo.QueueName]++
	}
	assert.Equal(t, map[string]int{"ingredient": 2, "instruction": 2}, queues)

	// Tracker created with line totals; note worker marked complete.
	completed, total, _ := tr.IngredientStatus(out.Note.ID)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, total)
}

func TestFollowOnPayloadsCarryNoteIdentity(t *testing.T) {
	repo := storagetest.New()
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, Services{Cleaner: stripCleaner{}, Repo: repo})

	result := runPipeline(t, pipeline, deps, model.NoteJobData{ImportID: "i1", Content: sampleHTML})
	out := result.(fanoutResult)

	var job model.IngredientJobData
	require.NoError(t, json.Unmarshal(out.FollowOns()[0].Payload, &job))
	assert.Equal(t, out.Note.ID, job.NoteID)
	assert.Equal(t, "i1", job.ImportID)
	assert.Equal(t, 2, job.TotalLines)
	assert.Equal(t, "1 cup flour", job.Reference)
	assert.Equal(t, "job-1", job.Metadata.GetString("sourceJobId"))
}

func TestValidateRequiredFields(t *testing.T) {
	assert.Error(t, Validate(json.RawMessage(`{`)))
	assert.Error(t, Validate(json.RawMessage(`{"content":"<p>x</p>"}`)))
	assert.Error(t, Validate(json.RawMessage(`{"importId":"i1","content":"   "}`)))
	assert.NoError(t, Validate(json.RawMessage(`{"importId":"i1","content":"<p>x</p>"}`)))
}

func TestParseDocumentMetadata(t *testing.T) {
	parsed := ParseDocument(sampleHTML, "Weeknight Pasta\nIngredients\n1 cup flour\nInstructions\nMix.")
	assert.Equal(t, "Weeknight Pasta", parsed.Title)
	require.NotNil(t, parsed.EvernoteMetadata)
	assert.Equal(t, []string{"dinner", "pasta"}, parsed.EvernoteMetadata.Tags)
	assert.Equal(t, "Recipes", parsed.EvernoteMetadata.Notebook)
	assert.Equal(t, []string{"1 cup flour"}, parsed.IngredientLines)
	assert.Equal(t, []string{"Mix."}, parsed.InstructionLines)
}

func TestParseDocumentFallbackTitle(t *testing.T) {
	parsed := ParseDocument("<p>no head</p>", "My Recipe\n1 cup flour")
	assert.Equal(t, "My Recipe", parsed.Title)
	assert.Equal(t, []string{"1 cup flour"}, parsed.IngredientLines)
}

func TestPersistFailureClassifiesAsDatabase(t *testing.T) {
	repo := storagetest.New()
	repo.CreateNoteErr = assert.AnError
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, Services{Cleaner: stripCleaner{}, Repo: repo})

	var payload any = model.NoteJobData{ImportID: "i1", Content: sampleHTML}
	var err error
	actx := &action.Context{JobID: "job-1"}
	for _, act := range pipeline {
		payload, err = act.Execute(context.Background(), payload, deps, actx)
		if err != nil {
			break
		}
	}
	require.Error(t, err)
}
