// Package ingest streams source files into the pipeline: bounded
// concurrency, per-file size limits, HTML validation, advisory cache
// consultation, and fileProcessed events. Each accepted file becomes a
// note job.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/awehrman/peas-sub008/cache"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

// Defaults.
const (
	DefaultMaxFileSize = 50 * 1024 * 1024
	DefaultConcurrency = 4
	cacheTTL           = 24 * time.Hour
)

// FileStatus is the outcome reported in a fileProcessed event.
type FileStatus string

const (
	FileSuccess FileStatus = "success"
	FileFailed  FileStatus = "failed"
	FileSkipped FileStatus = "skipped"
)

// Event describes one processed file.
type Event struct {
	FilePath       string        `json:"filePath"`
	FileName       string        `json:"fileName"`
	Status         FileStatus    `json:"status"`
	Size           int64         `json:"size"`
	ProcessingTime time.Duration `json:"processingTime"`
	ImportID       string        `json:"importId,omitempty"`
	ContentLength  int           `json:"contentLength,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// EventFunc receives fileProcessed events. Nil sinks are ignored.
type EventFunc func(Event)

// Processor streams files to a temp area and enqueues note jobs.
type Processor struct {
	broker       queue.Broker
	cache        *cache.Cache
	logger       *slog.Logger
	tempDir      string
	maxFileSize  int64
	includes     []string
	validateHTML bool
	events       EventFunc
	keys         cache.KeyGenerator

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithCache wires the advisory file-processing cache.
func WithCache(c *cache.Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithMaxFileSize overrides the per-file byte limit.
func WithMaxFileSize(n int64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxFileSize = n
		}
	}
}

// WithConcurrency bounds parallel file processing.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithIncludes sets the glob patterns files must match, relative to the
// ingest root (doublestar syntax).
func WithIncludes(globs ...string) Option {
	return func(p *Processor) { p.includes = globs }
}

// WithHTMLValidation toggles the HTML-likeness check (default on).
func WithHTMLValidation(enabled bool) Option {
	return func(p *Processor) { p.validateHTML = enabled }
}

// WithEventSink wires the fileProcessed event callback.
func WithEventSink(sink EventFunc) Option {
	return func(p *Processor) { p.events = sink }
}

// New constructs a Processor with its private temp directory.
func New(broker queue.Broker, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if broker == nil {
		return nil, fmt.Errorf("ingest: broker required")
	}
	tempDir, err := os.MkdirTemp("", "recipeline-ingest-")
	if err != nil {
		return nil, fmt.Errorf("ingest: create temp dir: %w", err)
	}
	p := &Processor{
		broker:       broker,
		logger:       logger,
		tempDir:      tempDir,
		maxFileSize:  DefaultMaxFileSize,
		includes:     []string{"**/*.html", "**/*.htm"},
		validateHTML: true,
		sem:          make(chan struct{}, DefaultConcurrency),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TempDir exposes the staging directory, mainly for tests.
func (p *Processor) TempDir() string { return p.tempDir }

func (p *Processor) emit(ev Event) {
	if p.events != nil {
		p.events(ev)
	}
}

func (p *Processor) matches(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range p.includes {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// ProcessDirectory walks root, processing every matching file with
// bounded concurrency. It returns the number of files accepted.
func (p *Processor) ProcessDirectory(ctx context.Context, root, importID string) (int, error) {
	if importID == "" {
		importID = uuid.NewString()
	}

	var mu sync.Mutex
	accepted := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !p.matches(root, path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		p.wg.Add(1)
		p.sem <- struct{}{}
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			ev := p.ProcessFile(ctx, path, importID)
			if ev.Status == FileSuccess {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
		return nil
	})
	p.wg.Wait()
	if err != nil {
		return accepted, fmt.Errorf("ingest walk %s: %w", root, err)
	}
	p.logger.Info("directory ingested", "root", root, "import_id", importID, "accepted", accepted)
	return accepted, nil
}

// ProcessFile stages one file and enqueues its note job. All failure
// modes are reported through the returned event, not an error: ingest
// keeps going.
func (p *Processor) ProcessFile(ctx context.Context, path, importID string) Event {
	start := time.Now()
	ev := Event{
		FilePath: path,
		FileName: filepath.Base(path),
		ImportID: importID,
	}
	fail := func(msg string) Event {
		ev.Status = FileFailed
		ev.Error = msg
		ev.ProcessingTime = time.Since(start)
		p.logger.Warn("file rejected", "path", path, "reason", msg)
		p.emit(ev)
		return ev
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Sprintf("stat: %v", err))
	}
	ev.Size = info.Size()
	if info.Size() == 0 {
		return fail("empty file")
	}
	if info.Size() > p.maxFileSize {
		ev.Status = FileSkipped
		ev.Error = fmt.Sprintf("file exceeds %d byte limit", p.maxFileSize)
		ev.ProcessingTime = time.Since(start)
		p.logger.Warn("file skipped", "path", path, "size", info.Size())
		p.emit(ev)
		return ev
	}

	src, err := os.Open(path)
	if err != nil {
		return fail(fmt.Sprintf("open: %v", err))
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, p.maxFileSize))
	if err != nil {
		return fail(fmt.Sprintf("read: %v", err))
	}
	ev.ContentLength = len(content)

	if len(bytes.TrimSpace(content)) == 0 {
		return fail("file has no content")
	}
	if p.validateHTML && !looksLikeHTML(content) {
		return fail("content is not HTML")
	}

	// Cache consult is advisory: a hit means this exact content was
	// already ingested; errors fall through to processing.
	cacheKey := p.keys.FileProcessing(path, info.Size(), info.ModTime(), content)
	if p.cache != nil {
		var prior Event
		if hit, err := p.cache.Get(ctx, cacheKey, &prior); err == nil && hit {
			ev.Status = FileSkipped
			ev.ProcessingTime = time.Since(start)
			p.logger.Debug("file already ingested, skipping", "path", path)
			p.emit(ev)
			return ev
		}
	}

	staged := filepath.Join(p.tempDir, uuid.NewString()+"-"+ev.FileName)
	if err := os.WriteFile(staged, content, 0o644); err != nil {
		return fail(fmt.Sprintf("stage: %v", err))
	}

	job := model.NoteJobData{
		ImportID: importID,
		FilePath: staged,
		Content:  string(content),
	}
	payload, err := model.Raw(job)
	if err != nil {
		return fail(fmt.Sprintf("marshal note job: %v", err))
	}
	if _, err := p.broker.Enqueue(ctx, string(model.QueueNote), payload, queue.EnqueueOptions{}); err != nil {
		return fail(fmt.Sprintf("enqueue note job: %v", err))
	}

	ev.Status = FileSuccess
	ev.ProcessingTime = time.Since(start)
	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, ev, cacheTTL); err != nil {
			p.logger.Debug("cache set failed", "path", path, "error", err)
		}
	}
	p.logger.Info("file ingested", "path", path, "import_id", importID, "bytes", len(content))
	p.emit(ev)
	return ev
}

// Watch processes matching files as they appear under root until the
// context is cancelled.
func (p *Processor) Watch(ctx context.Context, root, importID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("ingest watch %s: %w", root, err)
	}
	if importID == "" {
		importID = uuid.NewString()
	}
	p.logger.Info("watching for files", "root", root, "import_id", importID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !p.matches(root, event.Name) {
				continue
			}
			p.ProcessFile(ctx, event.Name, importID)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("watch error", "root", root, "error", err)
		}
	}
}

// Shutdown waits for in-flight processors, then removes the temp
// directory. The processor must not be used afterwards.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("ingest shutdown: %w", ctx.Err())
	}

	if err := os.RemoveAll(p.tempDir); err != nil {
		return fmt.Errorf("ingest shutdown: remove temp dir: %w", err)
	}
	p.logger.Info("ingest shut down")
	return nil
}

// looksLikeHTML reports whether the content parses to at least one
// element node.
func looksLikeHTML(content []byte) bool {
	if !bytes.Contains(content, []byte("<")) {
		return false
	}
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return false
	}
	found := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && !isScaffold(n.Data) {
			found = true
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

// html.Parse synthesizes html/head/body around any input; those alone
// do not make a document HTML.
func isScaffold(tag string) bool {
	switch strings.ToLower(tag) {
	case "html", "head", "body":
		return true
	}
	return false
}
