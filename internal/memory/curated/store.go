// Package curated implements the Curated Memory Store (spec §4.4.1):
// a per-project SQL store of hand-authored memory entries, ranked by a
// blend of TF-IDF relevance, recency, usage frequency, and category
// weight, with a Markdown file-layout fallback when the database cannot
// be opened.
//
// Grounded on the teacher's go.mod modernc.org/sqlite dependency
// (unexercised by any production file in the retrieved corpus slice;
// see DESIGN.md) and on the teacher's forward-only schema_version
// convention implied by its JSON-snapshot stores' versioned formats.
package curated

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// Category is one of the four fixed categories the ranker weights.
type Category string

const (
	CategoryRule       Category = "Rule"
	CategoryPattern    Category = "Pattern"
	CategoryPreference Category = "Preference"
	CategoryContext    Category = "Context"
)

// categoryWeight implements spec §4.4.1's fixed category_weight table.
func categoryWeight(c Category) float64 {
	switch c {
	case CategoryRule:
		return 1.0
	case CategoryPattern:
		return 0.8
	case CategoryPreference:
		return 0.6
	case CategoryContext:
		return 0.4
	default:
		return 0.4
	}
}

// MinRelevanceThreshold is the default floor below which ranked entries
// are dropped (spec §4.4.1).
const MinRelevanceThreshold = 0.1

// SchemaVersion is the current forward-only migration target.
const SchemaVersion = 1

// Entry is one curated memory row.
type Entry struct {
	ID          string
	Content     string
	Category    Category
	ProjectPath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UsageCount  int
	LastUsedAt  time.Time
}

// Page is the paginated result of List.
type Page struct {
	Items      []Entry
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Store is the SQL-backed Curated Memory Store for one project.
type Store struct {
	db          *sql.DB
	projectPath string
}

// Open opens (creating and migrating if needed) a per-project SQLite
// database at path.
func Open(path, projectPath string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "open curated memory db", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, projectPath: projectPath}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection so the Change-Memory Tracker can
// attach its table to the same per-project database (spec §3: "same DB,
// separate table").
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return daemonerr.Wrap(daemonerr.SchemaMismatch, "create schema_version table", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		current = 0
	}
	if current >= SchemaVersion {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id           TEXT PRIMARY KEY,
			content      TEXT NOT NULL,
			category     TEXT NOT NULL,
			project_path TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			is_deleted   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return daemonerr.Wrap(daemonerr.SchemaMismatch, "create memories table", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_stats (
			memory_id        TEXT PRIMARY KEY,
			usage_count      INTEGER NOT NULL DEFAULT 0,
			last_used_at     INTEGER NOT NULL DEFAULT 0,
			contributed_count INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return daemonerr.Wrap(daemonerr.SchemaMismatch, "create memory_stats table", err)
	}

	if current == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return daemonerr.Wrap(daemonerr.SchemaMismatch, "seed schema_version", err)
		}
	} else {
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, SchemaVersion); err != nil {
			return daemonerr.Wrap(daemonerr.SchemaMismatch, "bump schema_version", err)
		}
	}
	return nil
}

func deriveID(projectPath, content string, createdAtUnix int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", projectPath, content, createdAtUnix)))
	return hex.EncodeToString(sum[:])[:16]
}

// Add inserts a new curated entry and initializes its usage stats.
// Adding the same content again within the same second yields the same
// id and leaves the existing row in place.
func (s *Store) Add(ctx context.Context, content string, category Category) (string, error) {
	now := time.Now()
	id := deriveID(s.projectPath, content, now.Unix())

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, category, project_path, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, id, content, string(category), s.projectPath, now.Unix(), now.Unix()); err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "insert memory", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_stats (memory_id, usage_count, last_used_at, contributed_count)
		VALUES (?, 0, 0, 0)
		ON CONFLICT(memory_id) DO NOTHING
	`, id); err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "init memory stats", err)
	}
	return id, nil
}

// Delete soft-deletes an entry, stamping updated_at.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET is_deleted = 1, updated_at = ?
		WHERE id = ? AND project_path = ? AND is_deleted = 0
	`, time.Now().Unix(), id, s.projectPath)
	if err != nil {
		return false, daemonerr.Wrap(daemonerr.IoError, "delete memory", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Update replaces an entry's content and stamps updated_at.
func (s *Store) Update(ctx context.Context, id, content string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, updated_at = ?
		WHERE id = ? AND project_path = ? AND is_deleted = 0
	`, content, time.Now().Unix(), id, s.projectPath)
	if err != nil {
		return false, daemonerr.Wrap(daemonerr.IoError, "update memory", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns a page of non-deleted entries ordered by updated_at desc,
// optionally filtered by category.
func (s *Store) List(ctx context.Context, category string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	args := []any{s.projectPath}
	where := `project_path = ? AND is_deleted = 0`
	if category != "" {
		where += ` AND category = ?`
		args = append(args, category)
	}

	var total int
	countRow := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return Page{}, daemonerr.Wrap(daemonerr.IoError, "count memories", err)
	}

	queryArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, category, project_path, created_at, updated_at
		FROM memories WHERE `+where+`
		ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, queryArgs...)
	if err != nil {
		return Page{}, daemonerr.Wrap(daemonerr.IoError, "list memories", err)
	}
	defer rows.Close()

	var items []Entry
	for rows.Next() {
		var e Entry
		var createdAt, updatedAt int64
		var cat string
		if err := rows.Scan(&e.ID, &e.Content, &cat, &e.ProjectPath, &createdAt, &updatedAt); err != nil {
			return Page{}, daemonerr.Wrap(daemonerr.IoError, "scan memory row", err)
		}
		e.Category = Category(cat)
		e.CreatedAt = time.Unix(createdAt, 0)
		e.UpdatedAt = time.Unix(updatedAt, 0)
		items = append(items, e)
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	return Page{Items: items, Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

// RecordUsage increments usage_count and contributed_count and stamps
// last_used_at.
func (s *Store) RecordUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_stats SET usage_count = usage_count + 1,
			contributed_count = contributed_count + 1,
			last_used_at = ?
		WHERE memory_id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "record memory usage", err)
	}
	return nil
}

// RankedEntry is a curated entry with its computed relevance score.
type RankedEntry struct {
	Entry
	Score float64
}

// SmartRecall implements spec §4.4.1's ranked recall: TF-IDF cosine
// against query plus recency, frequency, and category weight, filtered
// below MinRelevanceThreshold (treated as always-1.0 relevance when the
// query is empty).
func (s *Store) SmartRecall(ctx context.Context, query string, limit int, categories []string) ([]RankedEntry, error) {
	args := []any{s.projectPath}
	where := `m.project_path = ? AND m.is_deleted = 0`
	if len(categories) > 0 {
		placeholders := make([]string, len(categories))
		for i, c := range categories {
			placeholders[i] = "?"
			args = append(args, c)
		}
		where += ` AND m.category IN (` + strings.Join(placeholders, ",") + `)`
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.category, m.project_path, m.created_at, m.updated_at,
		       COALESCE(st.usage_count, 0), COALESCE(st.last_used_at, 0)
		FROM memories m
		LEFT JOIN memory_stats st ON st.memory_id = m.id
		WHERE `+where, args...)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "smart_recall query", err)
	}
	defer rows.Close()

	type row struct {
		entry      Entry
		usageCount int
	}
	var candidates []row
	maxUsage := 0
	for rows.Next() {
		var r row
		var createdAt, updatedAt, lastUsedAt int64
		var cat string
		if err := rows.Scan(&r.entry.ID, &r.entry.Content, &cat, &r.entry.ProjectPath, &createdAt, &updatedAt, &r.usageCount, &lastUsedAt); err != nil {
			return nil, daemonerr.Wrap(daemonerr.IoError, "scan smart_recall row", err)
		}
		r.entry.Category = Category(cat)
		r.entry.CreatedAt = time.Unix(createdAt, 0)
		r.entry.UpdatedAt = time.Unix(updatedAt, 0)
		r.entry.UsageCount = r.usageCount
		r.entry.LastUsedAt = time.Unix(lastUsedAt, 0)
		candidates = append(candidates, r)
		if r.usageCount > maxUsage {
			maxUsage = r.usageCount
		}
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.entry.Content
	}
	tfidf := newTFIDFIndex(docs)
	emptyQuery := strings.TrimSpace(query) == ""

	ranked := make([]RankedEntry, 0, len(candidates))
	for i, c := range candidates {
		relevance := 1.0
		if !emptyQuery {
			relevance = tfidf.cosine(i, query)
		}

		recency := 1.0 / (1.0 + daysSince(c.entry.UpdatedAt)/30.0)
		frequency := 0.0
		if maxUsage > 0 {
			frequency = math.Log(1+float64(c.usageCount)) / math.Log(1+float64(maxUsage))
		}
		catWeight := categoryWeight(c.entry.Category)

		score := 0.4*relevance + 0.3*recency + 0.2*frequency + 0.1*catWeight
		if !emptyQuery && score < MinRelevanceThreshold {
			continue
		}
		ranked = append(ranked, RankedEntry{Entry: c.entry, Score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func daysSince(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return time.Since(t).Hours() / 24.0
}

// exportVersion is the ExportData schema version, independent of
// SchemaVersion (the SQL migration target) since the two evolve on
// different timelines.
const exportVersion = "1.0"

// ExportedMemory is one entry in an ExportData payload: id, content,
// category, and RFC3339 timestamps.
type ExportedMemory struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ExportData is the full export payload for one project: exporting it
// and importing the result back reproduces this set modulo updated_at.
type ExportData struct {
	Version     string           `json:"version"`
	ExportedAt  string           `json:"exported_at"`
	ProjectPath string           `json:"project_path"`
	Memories    []ExportedMemory `json:"memories"`
}

// Export returns every non-deleted entry for the project, ordered by
// id for a stable, diff-friendly output.
func (s *Store) Export(ctx context.Context) ([]Entry, error) {
	page, err := s.List(ctx, "", 1, 1000000)
	if err != nil {
		return nil, err
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID < page.Items[j].ID })
	return page.Items, nil
}

// ExportJSON renders entries as the round-trippable ExportData JSON
// shape Import reads back.
func ExportJSON(projectPath string, entries []Entry) (string, error) {
	data := ExportData{
		Version:     exportVersion,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
		ProjectPath: projectPath,
		Memories:    make([]ExportedMemory, len(entries)),
	}
	for i, e := range entries {
		data.Memories[i] = ExportedMemory{
			ID:        e.ID,
			Content:   e.Content,
			Category:  string(e.Category),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "marshal memory export", err)
	}
	return string(b), nil
}

// categoryDisplay fixes ExportMarkdown's section order and per-category
// icon.
var categoryDisplay = []struct {
	cat  Category
	name string
	icon string
}{
	{CategoryRule, "Rule", "\U0001F535"},
	{CategoryPreference, "Preference", "\U0001F7E2"},
	{CategoryPattern, "Pattern", "\U0001F7E1"},
	{CategoryContext, "Context", "⚪"},
}

// ExportMarkdown renders entries as a human-readable Markdown report,
// grouped by category. This is intentionally lossy (no id or
// timestamps survive): it is a read surface, not an Import source.
func ExportMarkdown(projectPath string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project Memory Export\n\n")
	fmt.Fprintf(&b, "- **Project path**: %s\n", projectPath)
	fmt.Fprintf(&b, "- **Exported at**: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Total memories**: %d\n\n", len(entries))

	for _, group := range categoryDisplay {
		var inGroup []Entry
		for _, e := range entries {
			if e.Category == group.cat {
				inGroup = append(inGroup, e)
			}
		}
		if len(inGroup) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s %s\n\n", group.icon, group.name)
		for _, e := range inGroup {
			fmt.Fprintf(&b, "- %s\n", e.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Import parses an ExportData JSON payload and upserts each memory by
// id, preserving its id, content, category, and created_at so that
// export-then-import reproduces the exported set modulo updated_at;
// updated_at is stamped to the import time since that field is exempt.
// Entries missing an id (e.g. hand-authored import payloads) get one
// derived the same way Add does.
func (s *Store) Import(ctx context.Context, jsonData string) (int, error) {
	var data ExportData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return 0, daemonerr.Wrap(daemonerr.InvalidParams, "malformed memory export payload", err)
	}

	now := time.Now().Unix()
	imported := 0
	for _, m := range data.Memories {
		createdAt, err := time.Parse(time.RFC3339, m.CreatedAt)
		if err != nil {
			createdAt = time.Now()
		}
		id := m.ID
		if id == "" {
			id = deriveID(s.projectPath, m.Content, createdAt.Unix())
		}

		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, content, category, project_path, created_at, updated_at, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				category = excluded.category,
				updated_at = excluded.updated_at,
				is_deleted = 0
		`, id, m.Content, m.Category, s.projectPath, createdAt.Unix(), now); err != nil {
			return imported, daemonerr.Wrap(daemonerr.IoError, "upsert imported memory", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_stats (memory_id, usage_count, last_used_at, contributed_count)
			VALUES (?, 0, 0, 0)
			ON CONFLICT(memory_id) DO NOTHING
		`, id); err != nil {
			return imported, daemonerr.Wrap(daemonerr.IoError, "init imported memory stats", err)
		}
		imported++
	}
	return imported, nil
}
