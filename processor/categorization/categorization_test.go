package categorization

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/storage/storagetest"
)

type captureBroadcaster struct {
	events []model.StatusEvent
	err    error
}

func (b *captureBroadcaster) AddStatusEventAndBroadcast(_ context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	if b.err != nil {
		return model.StatusEvent{}, b.err
	}
	b.events = append(b.events, ev)
	return ev, nil
}

func seedNote(repo *storagetest.Fake, meta *model.EvernoteMetadata) string {
	note, _ := repo.CreateNote(context.Background(), &model.ParsedHTMLFile{
		ImportID:         "i1",
		Title:            "Weeknight Pasta",
		EvernoteMetadata: meta,
	})
	return note.ID
}

func newPipeline(t *testing.T, repo *storagetest.Fake) []action.Action {
	t.Helper()
	f := action.NewFactory()
	require.NoError(t, Register(f, Services{Repo: repo}))
	pipeline, err := f.Pipeline()
	require.NoError(t, err)
	return pipeline
}

func runPipeline(t *testing.T, pipeline []action.Action, deps *action.Dependencies, payload any) Result {
	t.Helper()
	actx := &action.Context{JobID: "job-1", QueueName: "categorization", WorkerName: "categorization-worker"}
	var err error
	for _, act := range pipeline {
		payload, err = act.Execute(context.Background(), payload, deps, actx)
		require.NoError(t, err, "action %s", act.Name())
	}
	return payload.(Result)
}

func TestRegisterOrder(t *testing.T) {
	f := action.NewFactory()
	require.NoError(t, Register(f, Services{Repo: storagetest.New()}))
	assert.Equal(t, []action.Name{
		action.NameDetermineCategory,
		action.NameSaveCategory,
		action.NameDetermineTags,
		action.NameSaveTags,
	}, f.Names())
}

func TestCategoryFromNotebook(t *testing.T) {
	repo := storagetest.New()
	noteID := seedNote(repo, &model.EvernoteMetadata{Notebook: "Recipes", Tags: []string{"dinner"}})
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: noteID, ImportID: "i1"})
	assert.Equal(t, "Recipes", out.Category)
	require.Len(t, repo.Categories[noteID], 1)
	assert.Equal(t, "Recipes", repo.Categories[noteID][0].Name)
}

func TestCategoryFallsBackToFirstTagThenDefault(t *testing.T) {
	repo := storagetest.New()
	fromTag := seedNote(repo, &model.EvernoteMetadata{Tags: []string{"dinner", "pasta"}})
	bare := seedNote(repo, nil)
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: fromTag, ImportID: "i1"})
	assert.Equal(t, "dinner", out.Category)

	out = runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: bare, ImportID: "i1"})
	assert.Equal(t, "Uncategorized", out.Category)
}

func TestDetermineTagsEmptyMetadata(t *testing.T) {
	repo := storagetest.New()
	noteID := seedNote(repo, &model.EvernoteMetadata{Tags: []string{}, Notebook: "Recipes"})
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: noteID, ImportID: "i1"})
	assert.Equal(t, []string{}, out.DeterminedTags)
	assert.Equal(t, "No Evernote tags metadata", out.TagDeterminationReason)
	assert.Empty(t, repo.Tags[noteID])
}

func TestTagsSavedWhenPresent(t *testing.T) {
	repo := storagetest.New()
	noteID := seedNote(repo, &model.EvernoteMetadata{Tags: []string{"dinner", "pasta"}})
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, repo)

	out := runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: noteID, ImportID: "i1"})
	assert.Equal(t, []string{"dinner", "pasta"}, out.DeterminedTags)
	require.Len(t, out.SavedTags, 2)
	require.Len(t, repo.Tags[noteID], 2)
}

func TestDetermineTagsBroadcastFailurePropagates(t *testing.T) {
	repo := storagetest.New()
	noteID := seedNote(repo, &model.EvernoteMetadata{Tags: []string{"dinner"}})
	bc := &captureBroadcaster{err: errors.New("subscriber channel gone")}
	deps := &action.Dependencies{Logger: slog.Default(), StatusBroadcaster: bc}
	pipeline := newPipeline(t, repo)

	var payload any = model.CategorizationJobData{NoteID: noteID, ImportID: "i1"}
	var err error
	actx := &action.Context{JobID: "job-1"}
	for _, act := range pipeline {
		payload, err = act.Execute(context.Background(), payload, deps, actx)
		if err != nil {
			assert.Equal(t, action.NameDetermineTags, act.Name())
			break
		}
	}
	require.Error(t, err)
}

func TestDetermineTagsBroadcastContent(t *testing.T) {
	repo := storagetest.New()
	noteID := seedNote(repo, &model.EvernoteMetadata{Tags: []string{"dinner"}})
	bc := &captureBroadcaster{}
	deps := &action.Dependencies{Logger: slog.Default(), StatusBroadcaster: bc}
	pipeline := newPipeline(t, repo)

	runPipeline(t, pipeline, deps, model.CategorizationJobData{NoteID: noteID, ImportID: "i1"})

	var tagEvent *model.StatusEvent
	for i := range bc.events {
		if bc.events[i].Context == string(action.NameDetermineTags) {
			tagEvent = &bc.events[i]
		}
	}
	require.NotNil(t, tagEvent)
	assert.Equal(t, model.StatusProcessing, tagEvent.Status)
	assert.Equal(t, noteID, tagEvent.NoteID)
}

func TestMissingNoteFails(t *testing.T) {
	repo := storagetest.New()
	deps := &action.Dependencies{Logger: slog.Default()}
	pipeline := newPipeline(t, repo)

	_, err := pipeline[0].Execute(context.Background(), model.CategorizationJobData{NoteID: "absent", ImportID: "i1"}, deps, &action.Context{})
	require.Error(t, err)
}

func TestValidateRequiredFields(t *testing.T) {
	assert.Error(t, Validate(json.RawMessage(`{"importId":"i1"}`)))
	assert.Error(t, Validate(json.RawMessage(`{"noteId":"n1"}`)))
	assert.NoError(t, Validate(json.RawMessage(`{"noteId":"n1","importId":"i1"}`)))
}
