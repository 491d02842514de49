package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/model"
)

func testRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestNote(t *testing.T, repo *SQLiteRepository, meta *model.EvernoteMetadata) *model.Note {
	t.Helper()
	note, err := repo.CreateNote(context.Background(), &model.ParsedHTMLFile{
		ImportID:         "import-1",
		Title:            "Pasta alla Norma",
		Content:          "some content",
		EvernoteMetadata: meta,
	})
	require.NoError(t, err)
	return note
}

func TestCreateAndGetNote(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	note := createTestNote(t, repo, &model.EvernoteMetadata{Tags: []string{"dinner", "italian"}})

	loaded, err := repo.GetNoteWithEvernoteMetadata(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pasta alla Norma", loaded.Title)
	require.NotNil(t, loaded.EvernoteMetadata)
	assert.Equal(t, []string{"dinner", "italian"}, loaded.EvernoteMetadata.Tags)

	_, err = repo.GetNoteWithEvernoteMetadata(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveCategoryIsIdempotentByName(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	note := createTestNote(t, repo, nil)
	other := createTestNote(t, repo, nil)

	first, err := repo.SaveCategoryToNote(ctx, note.ID, "pasta")
	require.NoError(t, err)
	second, err := repo.SaveCategoryToNote(ctx, other.ID, "pasta")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate names resolve to one category")

	_, err = repo.SaveCategoryToNote(ctx, "missing", "pasta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTagsToNote(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	note := createTestNote(t, repo, nil)

	tags, err := repo.SaveTagsToNote(ctx, note.ID, []string{"dinner", "quick"})
	require.NoError(t, err)
	require.Len(t, tags, 2)

	// Re-saving links to the same tag rows.
	again, err := repo.SaveTagsToNote(ctx, note.ID, []string{"dinner"})
	require.NoError(t, err)
	assert.Equal(t, tags[0].ID, again[0].ID)
}

func TestIngredientCompletionStatus(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	note := createTestNote(t, repo, nil)

	lines := []*model.ParsedIngredientLine{
		{NoteID: note.ID, LineIndex: 0, Reference: "1 cup flour"},
		{NoteID: note.ID, LineIndex: 1, Reference: "2 eggs"},
	}
	for _, l := range lines {
		require.NoError(t, repo.CreateIngredientLine(ctx, l))
	}

	status, err := repo.GetIngredientCompletionStatus(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CompletedIngredients)
	assert.Equal(t, 2, status.TotalIngredients)
	assert.False(t, status.IsComplete)

	require.NoError(t, repo.MarkIngredientLineParsed(ctx, lines[0].ID, []string{"amount", "unit", "ingredient"}))
	require.NoError(t, repo.MarkIngredientLineParsed(ctx, lines[1].ID, []string{"amount", "ingredient"}))

	status, err = repo.GetIngredientCompletionStatus(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.Equal(t, 2, status.CompletedIngredients)
}

func TestInstructionCompletionStatusProgress(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	note := createTestNote(t, repo, nil)

	a := &model.Instruction{NoteID: note.ID, LineIndex: 0, Reference: "Boil water."}
	b := &model.Instruction{NoteID: note.ID, LineIndex: 1, Reference: "Add pasta."}
	require.NoError(t, repo.CreateInstruction(ctx, a))
	require.NoError(t, repo.CreateInstruction(ctx, b))
	require.NoError(t, repo.MarkInstructionParsed(ctx, a.ID))

	status, err := repo.GetInstructionCompletionStatus(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "1/2", status.Progress)
	assert.False(t, status.IsComplete)
}

func TestUpsertPatternIncrementsOccurrence(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	rules := []string{"amount", "unit", "ingredient"}

	first, err := repo.UpsertPattern(ctx, rules, "1 cup flour")
	require.NoError(t, err)
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, "1 cup flour", first.ExampleLine)

	second, err := repo.UpsertPattern(ctx, rules, "2 tbsp sugar")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, "2 tbsp sugar", second.ExampleLine, "example line replaced")

	// Empty example keeps the stored one.
	third, err := repo.UpsertPattern(ctx, rules, "")
	require.NoError(t, err)
	assert.Equal(t, 3, third.OccurrenceCount)
	assert.Equal(t, "2 tbsp sugar", third.ExampleLine)

	// Different order is a different pattern.
	other, err := repo.UpsertPattern(ctx, []string{"ingredient", "unit", "amount"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 1, other.OccurrenceCount)
}

func TestLinkPatternToLine(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	note := createTestNote(t, repo, nil)

	line := &model.ParsedIngredientLine{NoteID: note.ID, LineIndex: 0, Reference: "1 cup flour"}
	require.NoError(t, repo.CreateIngredientLine(ctx, line))

	p, err := repo.UpsertPattern(ctx, []string{"amount", "unit", "ingredient"}, line.Reference)
	require.NoError(t, err)

	require.NoError(t, repo.LinkPatternToLine(ctx, line.ID, p.ID))
	assert.ErrorIs(t, repo.LinkPatternToLine(ctx, "missing", p.ID), ErrNotFound)
}

func TestStatusEventLog(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_, err := repo.SaveStatusEvent(ctx, model.StatusEvent{
		ImportID: "import-1",
		NoteID:   "n1",
		Status:   model.StatusProcessing,
		Message:  "Parsing note",
		Context:  "note_processing",
		Metadata: model.JobMetadata{"stage": "note"},
	})
	require.NoError(t, err)
	_, err = repo.SaveStatusEvent(ctx, model.StatusEvent{
		ImportID: "import-1",
		Status:   model.StatusCompleted,
		Message:  "Done",
		Context:  "note_processing",
	})
	require.NoError(t, err)

	events, err := repo.EventsForImport(ctx, "import-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.StatusProcessing, events[0].Status)
	assert.Equal(t, "note", events[0].Metadata["stage"])

	none, err := repo.EventsForImport(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
