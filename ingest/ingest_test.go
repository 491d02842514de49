package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awehrman/peas-sub008/cache"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

const sampleHTML = `<html><head><title>Pasta</title></head><body><div>1 cup flour</div></body></html>`

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byName(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.FileName == name {
			return ev, true
		}
	}
	return Event{}, false
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *queue.MemoryBroker, *eventRecorder) {
	t.Helper()
	broker := queue.NewMemoryBroker()
	rec := &eventRecorder{}
	opts = append([]Option{WithEventSink(rec.record)}, opts...)
	p, err := New(broker, slog.Default(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, broker, rec
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessFileEnqueuesNoteJob(t *testing.T) {
	p, broker, rec := newProcessor(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "pasta.html", sampleHTML)

	ev := p.ProcessFile(context.Background(), path, "import-1")
	assert.Equal(t, FileSuccess, ev.Status)
	assert.Equal(t, "pasta.html", ev.FileName)
	assert.Equal(t, len(sampleHTML), ev.ContentLength)
	assert.Equal(t, 1, broker.Depth(string(model.QueueNote)))

	got, ok := rec.byName("pasta.html")
	require.True(t, ok)
	assert.Equal(t, "import-1", got.ImportID)

	staged, err := os.ReadDir(p.TempDir())
	require.NoError(t, err)
	require.Len(t, staged, 1)
}

func TestProcessFileRejectsEmptyAndNonHTML(t *testing.T) {
	p, broker, _ := newProcessor(t)
	dir := t.TempDir()

	empty := writeFile(t, dir, "empty.html", "")
	ev := p.ProcessFile(context.Background(), empty, "import-1")
	assert.Equal(t, FileFailed, ev.Status)
	assert.Contains(t, ev.Error, "empty")

	blank := writeFile(t, dir, "blank.html", "   \n\t  ")
	ev = p.ProcessFile(context.Background(), blank, "import-1")
	assert.Equal(t, FileFailed, ev.Status)

	plain := writeFile(t, dir, "plain.html", "just some text without markup")
	ev = p.ProcessFile(context.Background(), plain, "import-1")
	assert.Equal(t, FileFailed, ev.Status)
	assert.Contains(t, ev.Error, "not HTML")

	assert.Equal(t, 0, broker.Depth(string(model.QueueNote)))
}

func TestProcessFileSkipsOversized(t *testing.T) {
	p, broker, _ := newProcessor(t, WithMaxFileSize(16))
	dir := t.TempDir()
	path := writeFile(t, dir, "big.html", sampleHTML)

	ev := p.ProcessFile(context.Background(), path, "import-1")
	assert.Equal(t, FileSkipped, ev.Status)
	assert.Contains(t, ev.Error, "byte limit")
	assert.Equal(t, 0, broker.Depth(string(model.QueueNote)))
}

func TestProcessDirectoryFiltersByGlob(t *testing.T) {
	p, broker, rec := newProcessor(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writeFile(t, dir, "one.html", sampleHTML)
	writeFile(t, filepath.Join(dir, "nested"), "two.htm", sampleHTML)
	writeFile(t, dir, "notes.txt", "not ingested")

	accepted, err := p.ProcessDirectory(context.Background(), dir, "import-1")
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, 2, broker.Depth(string(model.QueueNote)))

	_, ok := rec.byName("notes.txt")
	assert.False(t, ok)
}

func TestProcessDirectoryCustomIncludes(t *testing.T) {
	p, broker, _ := newProcessor(t, WithIncludes("**/*.enex"), WithHTMLValidation(false))
	dir := t.TempDir()
	writeFile(t, dir, "export.enex", "<en-export><note/></en-export>")
	writeFile(t, dir, "skip.html", sampleHTML)

	accepted, err := p.ProcessDirectory(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, broker.Depth(string(model.QueueNote)))
}

func TestCacheSkipsDuplicateContent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New(client, "test", slog.Default())

	p, broker, _ := newProcessor(t, WithCache(c))
	dir := t.TempDir()
	path := writeFile(t, dir, "pasta.html", sampleHTML)

	first := p.ProcessFile(context.Background(), path, "import-1")
	assert.Equal(t, FileSuccess, first.Status)

	second := p.ProcessFile(context.Background(), path, "import-1")
	assert.Equal(t, FileSkipped, second.Status)
	assert.Equal(t, 1, broker.Depth(string(model.QueueNote)))
}

func TestShutdownRemovesTempDir(t *testing.T) {
	broker := queue.NewMemoryBroker()
	p, err := New(broker, slog.Default())
	require.NoError(t, err)
	tempDir := p.TempDir()

	require.NoError(t, p.Shutdown(context.Background()))
	_, statErr := os.Stat(tempDir)
	assert.True(t, os.IsNotExist(statErr))

	// idempotent
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestWatchProcessesNewFiles(t *testing.T) {
	p, broker, _ := newProcessor(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, dir, "import-1") }()

	// give the watcher a beat to register
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "late.html", sampleHTML)

	deadline := time.Now().Add(2 * time.Second)
	for broker.Depth(string(model.QueueNote)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, broker.Depth(string(model.QueueNote)))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(nil, slog.Default())
	require.Error(t, err)
}
