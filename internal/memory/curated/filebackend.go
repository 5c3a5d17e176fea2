// FileBackend is the Markdown file-layout fallback store (spec
// §4.4.1): used when database creation fails or an unrecoverable
// version mismatch is hit. Behavior matches Store at the interface
// level; usage stats are silently disabled.
//
// Grounded on the teacher's atomic tmp-file-then-rename persistence
// discipline (internal/search/symbols snapshot, internal/search/state
// snapshot, both earlier in this module).
package curated

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// FileBackend stores one Markdown file per category under dir.
type FileBackend struct {
	dir         string
	projectPath string
}

// OpenFileBackend builds a FileBackend rooted at dir, creating it if
// necessary.
func OpenFileBackend(dir, projectPath string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "create memory file-layout dir", err)
	}
	return &FileBackend{dir: dir, projectPath: projectPath}, nil
}

func (fb *FileBackend) categoryPath(c Category) string {
	return filepath.Join(fb.dir, strings.ToLower(string(c))+".md")
}

var fileEntryRe = regexp.MustCompile(`(?s)<!-- id:(\S+) created:(\d+) updated:(\d+) -->\n(.*?)(?:\n---\n|\z)`)

func (fb *FileBackend) readCategory(c Category) ([]Entry, error) {
	data, err := os.ReadFile(fb.categoryPath(c))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, daemonerr.Wrap(daemonerr.IoError, "read memory file", err)
	}
	matches := fileEntryRe.FindAllStringSubmatch(string(data), -1)
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		var created, updated int64
		fmt.Sscanf(m[2], "%d", &created)
		fmt.Sscanf(m[3], "%d", &updated)
		entries = append(entries, Entry{
			ID:          m[1],
			Content:     strings.TrimSpace(m[4]),
			Category:    c,
			ProjectPath: fb.projectPath,
			CreatedAt:   time.Unix(created, 0),
			UpdatedAt:   time.Unix(updated, 0),
		})
	}
	return entries, nil
}

func (fb *FileBackend) writeCategory(c Category, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "<!-- id:%s created:%d updated:%d -->\n%s\n---\n", e.ID, e.CreatedAt.Unix(), e.UpdatedAt.Unix(), e.Content)
	}
	tmp := fb.categoryPath(c) + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "write memory file tmp", err)
	}
	return os.Rename(tmp, fb.categoryPath(c))
}

// Add appends a new entry to its category file.
func (fb *FileBackend) Add(ctx context.Context, content string, category Category) (string, error) {
	now := time.Now()
	id := deriveID(fb.projectPath, content, now.UnixNano())
	entries, err := fb.readCategory(category)
	if err != nil {
		return "", err
	}
	entries = append(entries, Entry{ID: id, Content: content, Category: category, ProjectPath: fb.projectPath, CreatedAt: now, UpdatedAt: now})
	if err := fb.writeCategory(category, entries); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes an entry by id, searching every category file.
func (fb *FileBackend) Delete(ctx context.Context, id string) (bool, error) {
	for _, c := range []Category{CategoryRule, CategoryPattern, CategoryPreference, CategoryContext} {
		entries, err := fb.readCategory(c)
		if err != nil {
			return false, err
		}
		for i, e := range entries {
			if e.ID == id {
				entries = append(entries[:i], entries[i+1:]...)
				return true, fb.writeCategory(c, entries)
			}
		}
	}
	return false, nil
}

// Update replaces an entry's content in place, searching every category file.
func (fb *FileBackend) Update(ctx context.Context, id, content string) (bool, error) {
	for _, c := range []Category{CategoryRule, CategoryPattern, CategoryPreference, CategoryContext} {
		entries, err := fb.readCategory(c)
		if err != nil {
			return false, err
		}
		for i, e := range entries {
			if e.ID == id {
				entries[i].Content = content
				entries[i].UpdatedAt = time.Now()
				return true, fb.writeCategory(c, entries)
			}
		}
	}
	return false, nil
}

// List concatenates every matching category's entries, sorted by
// updated_at desc and paginated, mirroring Store.List.
func (fb *FileBackend) List(ctx context.Context, category string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	cats := []Category{CategoryRule, CategoryPattern, CategoryPreference, CategoryContext}
	if category != "" {
		cats = []Category{Category(category)}
	}

	var all []Entry
	for _, c := range cats {
		entries, err := fb.readCategory(c)
		if err != nil {
			return Page{}, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	return Page{Items: all[start:end], Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

// RecordUsage is a no-op: "usage stats are silently disabled" for the
// file-layout backend (spec §4.4.1).
func (fb *FileBackend) RecordUsage(ctx context.Context, id string) error {
	return nil
}

// SmartRecall ranks every entry the same way Store does, but with
// usage_count always 0 (stats disabled), so frequency contributes 0.
func (fb *FileBackend) SmartRecall(ctx context.Context, query string, limit int, categories []string) ([]RankedEntry, error) {
	page, err := fb.List(ctx, "", 1, 1<<30)
	if err != nil {
		return nil, err
	}
	candidates := page.Items
	if len(categories) > 0 {
		allowed := make(map[string]bool, len(categories))
		for _, c := range categories {
			allowed[c] = true
		}
		filtered := candidates[:0]
		for _, e := range candidates {
			if allowed[string(e.Category)] {
				filtered = append(filtered, e)
			}
		}
		candidates = filtered
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	tfidf := newTFIDFIndex(docs)
	emptyQuery := strings.TrimSpace(query) == ""

	ranked := make([]RankedEntry, 0, len(candidates))
	for i, e := range candidates {
		relevance := 1.0
		if !emptyQuery {
			relevance = tfidf.cosine(i, query)
		}
		recency := 1.0 / (1.0 + daysSince(e.UpdatedAt)/30.0)
		score := 0.4*relevance + 0.3*recency + 0.2*0.0 + 0.1*categoryWeight(e.Category)
		if !emptyQuery && score < MinRelevanceThreshold {
			continue
		}
		ranked = append(ranked, RankedEntry{Entry: e, Score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// MigrateToDB copies every file-layout entry into a freshly opened DB
// Store, implementing spec §4.4.1's "migration routine upgrades a
// file-layout project to the DB backend on first DB-capable run".
func (fb *FileBackend) MigrateToDB(ctx context.Context, dest *Store) error {
	page, err := fb.List(ctx, "", 1, 1<<30)
	if err != nil {
		return err
	}
	for _, e := range page.Items {
		if _, err := dest.Add(ctx, e.Content, e.Category); err != nil {
			return err
		}
	}
	return nil
}
