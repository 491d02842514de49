package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/awehrman/peas-sub008/model"
)

// SQLiteRepository implements Repository on a local SQLite database.
type SQLiteRepository struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*SQLiteRepository, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteRepository{conn: conn, logger: logger}
	if err := r.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			import_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			evernote_metadata TEXT,
			category_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ingredient_lines (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL REFERENCES notes(id),
			line_index INTEGER NOT NULL,
			reference TEXT NOT NULL,
			parsed BOOLEAN NOT NULL DEFAULT false,
			rule_ids TEXT,
			pattern_id TEXT,
			UNIQUE(note_id, line_index)
		)`,
		`CREATE TABLE IF NOT EXISTS instructions (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL REFERENCES notes(id),
			line_index INTEGER NOT NULL,
			reference TEXT NOT NULL,
			parsed BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(note_id, line_index)
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS note_tags (
			note_id TEXT NOT NULL REFERENCES notes(id),
			tag_id TEXT NOT NULL REFERENCES tags(id),
			PRIMARY KEY (note_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			rule_sequence TEXT NOT NULL UNIQUE,
			example_line TEXT,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS status_events (
			id TEXT PRIMARY KEY,
			import_id TEXT NOT NULL,
			note_id TEXT,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT,
			indent_level INTEGER DEFAULT 0,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_import ON status_events(import_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ingredient_lines_note ON ingredient_lines(note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_note ON instructions(note_id)`,
	}
	for _, m := range migrations {
		if _, err := r.conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (r *SQLiteRepository) Close() error { return r.conn.Close() }

// Ping reports database connectivity.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

// CreateNote persists a parsed HTML file as a note.
func (r *SQLiteRepository) CreateNote(ctx context.Context, parsed *model.ParsedHTMLFile) (*model.Note, error) {
	note := &model.Note{
		ID:               uuid.New().String(),
		ImportID:         parsed.ImportID,
		Title:            parsed.Title,
		Content:          parsed.Content,
		EvernoteMetadata: parsed.EvernoteMetadata,
		CreatedAt:        time.Now(),
	}

	var meta any
	if note.EvernoteMetadata != nil {
		data, err := json.Marshal(note.EvernoteMetadata)
		if err != nil {
			return nil, fmt.Errorf("marshal evernote metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO notes (id, import_id, title, content, evernote_metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.ImportID, note.Title, note.Content, meta, note.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return note, nil
}

// GetNoteWithEvernoteMetadata loads a note including its source metadata.
func (r *SQLiteRepository) GetNoteWithEvernoteMetadata(ctx context.Context, noteID string) (*model.Note, error) {
	row := r.conn.QueryRowContext(ctx,
		`SELECT id, import_id, title, content, evernote_metadata, created_at FROM notes WHERE id = ?`, noteID)

	var note model.Note
	var meta sql.NullString
	if err := row.Scan(&note.ID, &note.ImportID, &note.Title, &note.Content, &meta, &note.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	if meta.Valid && meta.String != "" {
		var em model.EvernoteMetadata
		if err := json.Unmarshal([]byte(meta.String), &em); err != nil {
			return nil, fmt.Errorf("unmarshal evernote metadata: %w", err)
		}
		note.EvernoteMetadata = &em
	}
	return &note, nil
}

// SaveCategoryToNote upserts the category by name and assigns it to the
// note. Saving the same name twice yields the same category row.
func (r *SQLiteRepository) SaveCategoryToNote(ctx context.Context, noteID, categoryName string) (*model.Category, error) {
	id := uuid.New().String()
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO categories (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, id, categoryName)
	if err != nil {
		return nil, fmt.Errorf("upsert category: %w", err)
	}

	var cat model.Category
	if err := r.conn.QueryRowContext(ctx,
		`SELECT id, name FROM categories WHERE name = ?`, categoryName).Scan(&cat.ID, &cat.Name); err != nil {
		return nil, fmt.Errorf("load category: %w", err)
	}

	res, err := r.conn.ExecContext(ctx, `UPDATE notes SET category_id = ? WHERE id = ?`, cat.ID, noteID)
	if err != nil {
		return nil, fmt.Errorf("assign category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &cat, nil
}

// SaveTagsToNote upserts each tag by name and links it to the note.
func (r *SQLiteRepository) SaveTagsToNote(ctx context.Context, noteID string, tagNames []string) ([]model.Tag, error) {
	tags := make([]model.Tag, 0, len(tagNames))
	for _, name := range tagNames {
		_, err := r.conn.ExecContext(ctx,
			`INSERT INTO tags (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, uuid.New().String(), name)
		if err != nil {
			return nil, fmt.Errorf("upsert tag %q: %w", name, err)
		}
		var tag model.Tag
		if err := r.conn.QueryRowContext(ctx,
			`SELECT id, name FROM tags WHERE name = ?`, name).Scan(&tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("load tag %q: %w", name, err)
		}
		if _, err := r.conn.ExecContext(ctx,
			`INSERT INTO note_tags (note_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, noteID, tag.ID); err != nil {
			return nil, fmt.Errorf("link tag %q: %w", name, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// CreateIngredientLine persists one ingredient line.
func (r *SQLiteRepository) CreateIngredientLine(ctx context.Context, line *model.ParsedIngredientLine) error {
	if line.ID == "" {
		line.ID = uuid.New().String()
	}
	var ruleIDs any
	if len(line.RuleIDs) > 0 {
		ruleIDs = strings.Join(line.RuleIDs, ",")
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO ingredient_lines (id, note_id, line_index, reference, parsed, rule_ids) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(note_id, line_index) DO UPDATE SET parsed = excluded.parsed, rule_ids = excluded.rule_ids`,
		line.ID, line.NoteID, line.LineIndex, line.Reference, line.Parsed, ruleIDs)
	if err != nil {
		return fmt.Errorf("insert ingredient line: %w", err)
	}
	return nil
}

// MarkIngredientLineParsed records a successful parse for a line.
func (r *SQLiteRepository) MarkIngredientLineParsed(ctx context.Context, lineID string, ruleIDs []string) error {
	res, err := r.conn.ExecContext(ctx,
		`UPDATE ingredient_lines SET parsed = true, rule_ids = ? WHERE id = ?`,
		strings.Join(ruleIDs, ","), lineID)
	if err != nil {
		return fmt.Errorf("mark ingredient line parsed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInstruction persists one instruction line.
func (r *SQLiteRepository) CreateInstruction(ctx context.Context, instr *model.Instruction) error {
	if instr.ID == "" {
		instr.ID = uuid.New().String()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO instructions (id, note_id, line_index, reference, parsed) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(note_id, line_index) DO UPDATE SET reference = excluded.reference, parsed = excluded.parsed`,
		instr.ID, instr.NoteID, instr.LineIndex, instr.Reference, instr.Parsed)
	if err != nil {
		return fmt.Errorf("insert instruction: %w", err)
	}
	return nil
}

// MarkInstructionParsed records completion of one instruction line.
func (r *SQLiteRepository) MarkInstructionParsed(ctx context.Context, instructionID string) error {
	res, err := r.conn.ExecContext(ctx,
		`UPDATE instructions SET parsed = true WHERE id = ?`, instructionID)
	if err != nil {
		return fmt.Errorf("mark instruction parsed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIngredientCompletionStatus derives ingredient progress from rows.
func (r *SQLiteRepository) GetIngredientCompletionStatus(ctx context.Context, noteID string) (*model.IngredientCompletionStatus, error) {
	var completed, total int
	err := r.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN parsed THEN 1 ELSE 0 END), 0), COUNT(*) FROM ingredient_lines WHERE note_id = ?`,
		noteID).Scan(&completed, &total)
	if err != nil {
		return nil, fmt.Errorf("ingredient completion status: %w", err)
	}
	return &model.IngredientCompletionStatus{
		CompletedIngredients: completed,
		TotalIngredients:     total,
		IsComplete:           total > 0 && completed == total,
	}, nil
}

// GetInstructionCompletionStatus derives instruction progress from rows.
func (r *SQLiteRepository) GetInstructionCompletionStatus(ctx context.Context, noteID string) (*model.InstructionCompletionStatus, error) {
	var completed, total int
	err := r.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN parsed THEN 1 ELSE 0 END), 0), COUNT(*) FROM instructions WHERE note_id = ?`,
		noteID).Scan(&completed, &total)
	if err != nil {
		return nil, fmt.Errorf("instruction completion status: %w", err)
	}
	return &model.InstructionCompletionStatus{
		CompletedInstructions: completed,
		TotalInstructions:     total,
		Progress:              fmt.Sprintf("%d/%d", completed, total),
		IsComplete:            total > 0 && completed == total,
	}, nil
}

// ruleKey is the canonical primary key for a pattern: the exact ordered
// ruleID sequence.
func ruleKey(ruleIDs []string) string {
	return strings.Join(ruleIDs, "|")
}

// UpsertPattern inserts or increments the pattern keyed by the ordered
// ruleID sequence inside one transaction. A provided exampleLine replaces
// the stored one.
func (r *SQLiteRepository) UpsertPattern(ctx context.Context, ruleIDs []string, exampleLine string) (*model.Pattern, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pattern transaction: %w", err)
	}
	defer tx.Rollback()

	key := ruleKey(ruleIDs)
	now := time.Now()

	var p model.Pattern
	var storedKey string
	var example sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, rule_sequence, example_line, occurrence_count, created_at, updated_at FROM patterns WHERE rule_sequence = ?`,
		key).Scan(&p.ID, &storedKey, &example, &p.OccurrenceCount, &p.CreatedAt, &p.UpdatedAt)

	switch {
	case err == sql.ErrNoRows:
		p = model.Pattern{
			ID:              uuid.New().String(),
			RuleIDs:         append([]string(nil), ruleIDs...),
			ExampleLine:     exampleLine,
			OccurrenceCount: 1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		var ex any
		if exampleLine != "" {
			ex = exampleLine
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patterns (id, rule_sequence, example_line, occurrence_count, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			p.ID, key, ex, now, now); err != nil {
			return nil, fmt.Errorf("insert pattern: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lookup pattern: %w", err)
	default:
		p.RuleIDs = append([]string(nil), ruleIDs...)
		p.OccurrenceCount++
		p.UpdatedAt = now
		if exampleLine != "" {
			p.ExampleLine = exampleLine
		} else if example.Valid {
			p.ExampleLine = example.String
		}
		var ex any
		if p.ExampleLine != "" {
			ex = p.ExampleLine
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE patterns SET occurrence_count = occurrence_count + 1, example_line = ?, updated_at = ? WHERE id = ?`,
			ex, now, p.ID); err != nil {
			return nil, fmt.Errorf("increment pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pattern transaction: %w", err)
	}
	return &p, nil
}

// GetPatternByRules loads a pattern by its ordered ruleID sequence.
func (r *SQLiteRepository) GetPatternByRules(ctx context.Context, ruleIDs []string) (*model.Pattern, error) {
	var p model.Pattern
	var key string
	var example sql.NullString
	err := r.conn.QueryRowContext(ctx,
		`SELECT id, rule_sequence, example_line, occurrence_count, created_at, updated_at FROM patterns WHERE rule_sequence = ?`,
		ruleKey(ruleIDs)).Scan(&p.ID, &key, &example, &p.OccurrenceCount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	if key != "" {
		p.RuleIDs = strings.Split(key, "|")
	}
	if example.Valid {
		p.ExampleLine = example.String
	}
	return &p, nil
}

// LinkPatternToLine points an ingredient line at its pattern.
func (r *SQLiteRepository) LinkPatternToLine(ctx context.Context, lineID, patternID string) error {
	res, err := r.conn.ExecContext(ctx,
		`UPDATE ingredient_lines SET pattern_id = ? WHERE id = ?`, patternID, lineID)
	if err != nil {
		return fmt.Errorf("link pattern to line: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveStatusEvent appends one event to the import's status log.
func (r *SQLiteRepository) SaveStatusEvent(ctx context.Context, ev model.StatusEvent) (model.StatusEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var meta any
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return model.StatusEvent{}, fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO status_events (id, import_id, note_id, status, message, context, indent_level, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ImportID, ev.NoteID, string(ev.Status), ev.Message, ev.Context, ev.IndentLevel, meta, ev.CreatedAt)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("insert status event: %w", err)
	}
	return ev, nil
}

// EventsForImport lists an import's status log in append order.
func (r *SQLiteRepository) EventsForImport(ctx context.Context, importID string) ([]model.StatusEvent, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT id, import_id, note_id, status, message, context, indent_level, metadata, created_at
		 FROM status_events WHERE import_id = ? ORDER BY created_at, id`, importID)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []model.StatusEvent
	for rows.Next() {
		var ev model.StatusEvent
		var noteID, evContext, meta sql.NullString
		var status string
		if err := rows.Scan(&ev.ID, &ev.ImportID, &noteID, &status, &ev.Message, &evContext, &ev.IndentLevel, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.Status = model.Status(status)
		ev.NoteID = noteID.String
		ev.Context = evContext.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
