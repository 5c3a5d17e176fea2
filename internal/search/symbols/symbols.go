// Package symbols implements the Symbol Extractor and Unified Symbol
// Store (spec §4.3.1): a content-addressed, (mtime,size)-keyed per-file
// symbol cache with a language-dispatched, best-effort extractor.
//
// Grounded on the teacher's concurrency shape for long-lived, disk-backed
// in-memory stores (internal/ai/investigation/store.go,
// internal/ai/memory/context.go): sync.RWMutex-guarded maps, a dirty
// flag, and a single serialized snapshot write to a JSON file under a
// well-known cache directory.
package symbols

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Kind enumerates the symbol kinds spec §3 requires at minimum.
type Kind string

const (
	KindFile      Kind = "file"
	KindModule    Kind = "module"
	KindClass     Kind = "class"
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindVariable  Kind = "variable"
	KindInterface Kind = "interface"
	KindStruct    Kind = "struct"
	KindEnum      Kind = "enum"
)

// Symbol is spec §3's Symbol entity.
type Symbol struct {
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	Path       string   `json:"path"` // POSIX, project-relative
	Language   string   `json:"language,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	References []string `json:"references,omitempty"`
	StartLine  int      `json:"start_line,omitempty"`
	EndLine    int      `json:"end_line,omitempty"`
}

// FileIndexEntry is spec §3's FileIndexEntry.
type FileIndexEntry struct {
	Mtime         int64    `json:"mtime"`
	Size          int64    `json:"size"`
	Symbols       []Symbol `json:"symbols"`
	CachedSnippet string   `json:"cached_snippet"`
}

// sameStat reports whether the on-disk file still matches the cached
// (mtime,size) invalidation key.
func (e FileIndexEntry) sameStat(mtime int64, size int64) bool {
	return e.Mtime == mtime && e.Size == size
}

// builtin deny-list directories, never descended into.
var denyDirs = map[string]bool{
	".git": true, "target": true, "node_modules": true, "dist": true,
	"build": true, "vendor": true, "__pycache__": true,
}

// IndexResult is the return value of IndexProject.
type IndexResult struct {
	Indexed int
	Skipped int
}

// Store is the Unified Symbol Store: map<project_root, map<relative_path,
// FileIndexEntry>>, persisted as one snapshot per project under
// snapshotDir.
type Store struct {
	mu     sync.RWMutex
	saveMu sync.Mutex

	snapshotDir string
	projects    map[string]map[string]FileIndexEntry
}

// NewStore builds a Store that persists snapshots under snapshotDir
// (typically <cache>/<app>/unified_store/).
func NewStore(snapshotDir string) *Store {
	return &Store{
		snapshotDir: snapshotDir,
		projects:    make(map[string]map[string]FileIndexEntry),
	}
}

// IndexProject walks root honoring .gitignore plus the built-in deny
// list, re-extracting symbols only for files whose (mtime,size) tuple
// changed since the last run.
func (s *Store) IndexProject(root string) (IndexResult, error) {
	ignorer := loadGitignore(root)

	s.mu.Lock()
	files, ok := s.projects[root]
	if !ok {
		files = make(map[string]FileIndexEntry)
		s.projects[root] = files
	}
	s.mu.Unlock()

	seen := make(map[string]bool)
	var result IndexResult

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}
		relPosix := filepath.ToSlash(rel)

		if info.IsDir() {
			base := filepath.Base(path)
			if denyDirs[base] || (strings.HasPrefix(base, ".") && base != ".") {
				return filepath.SkipDir
			}
			if ignorer != nil && ignorer.matches(relPosix, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if ignorer != nil && ignorer.matches(relPosix, false) {
			return nil
		}

		seen[relPosix] = true

		s.mu.RLock()
		existing, hadEntry := files[relPosix]
		s.mu.RUnlock()

		mtime := info.ModTime().Unix()
		size := info.Size()
		if hadEntry && existing.sameStat(mtime, size) {
			result.Skipped++
			return nil
		}

		syms, snippet, extractErr := Extract(path, relPosix)
		if extractErr != nil {
			log.Warn().Err(extractErr).Str("path", path).Msg("symbol extraction failed")
		}

		entry := FileIndexEntry{Mtime: mtime, Size: size, Symbols: syms, CachedSnippet: snippet}
		s.mu.Lock()
		files[relPosix] = entry
		s.mu.Unlock()
		result.Indexed++
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("walk project %q: %w", root, walkErr)
	}

	// Drop entries for files that disappeared.
	s.mu.Lock()
	for path := range files {
		if !seen[path] {
			delete(files, path)
		}
	}
	s.mu.Unlock()

	if err := s.snapshot(root); err != nil {
		log.Warn().Err(err).Str("root", root).Msg("failed to persist symbol store snapshot")
	}

	return result, nil
}

// InvalidateFile removes one cached entry, forcing re-extraction on the
// next IndexProject pass.
func (s *Store) InvalidateFile(root, relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if files, ok := s.projects[root]; ok {
		delete(files, filepath.ToSlash(relPath))
	}
}

// Entry returns the cached entry for a path, if any.
func (s *Store) Entry(root, relPath string) (FileIndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.projects[root]
	if !ok {
		return FileIndexEntry{}, false
	}
	e, ok := files[filepath.ToSlash(relPath)]
	return e, ok
}

// AllEntries returns a stable-ordered snapshot of every path/entry pair
// for a project, for indexing into the full-text layer.
func (s *Store) AllEntries(root string) map[string]FileIndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := s.projects[root]
	out := make(map[string]FileIndexEntry, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}

// FileCount reports how many files are currently indexed for root.
func (s *Store) FileCount(root string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects[root])
}

func (s *Store) snapshotPath(root string) string {
	return filepath.Join(s.snapshotDir, projectKey(root)+".json")
}

func (s *Store) snapshot(root string) error {
	if s.snapshotDir == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	files := s.projects[root]
	buf := make(map[string]FileIndexEntry, len(files))
	for k, v := range files {
		buf[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(buf)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath(root) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath(root))
}

// LoadSnapshot restores a project's persisted snapshot from disk, if any.
func (s *Store) LoadSnapshot(root string) error {
	if s.snapshotDir == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshotPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var files map[string]FileIndexEntry
	if err := json.Unmarshal(data, &files); err != nil {
		return fmt.Errorf("decode snapshot for %q: %w", root, err)
	}
	s.mu.Lock()
	s.projects[root] = files
	s.mu.Unlock()
	return nil
}

func projectKey(root string) string {
	h := 0
	for _, r := range root {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return fmt.Sprintf("%x", h)
}

// --- minimal .gitignore support -------------------------------------

type gitignore struct {
	patterns []string
}

func loadGitignore(root string) *gitignore {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	g := &gitignore{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		g.patterns = append(g.patterns, strings.TrimSuffix(line, "/"))
	}
	if len(g.patterns) == 0 {
		return nil
	}
	sort.Strings(g.patterns)
	return g
}

func (g *gitignore) matches(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	for _, p := range g.patterns {
		if p == base || p == relPath {
			return true
		}
		if strings.Contains(p, "*") {
			if ok, _ := filepath.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

// codeExtensions is the built-in allow-list consulted through IsCodeFile
// by the File Watcher and the Grep Fallback.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cc": true,
	".rs": true, ".rb": true, ".php": true, ".cs": true, ".swift": true, ".kt": true,
	".scala": true, ".sh": true, ".md": true, ".yaml": true, ".yml": true, ".json": true,
	".toml": true, ".sql": true,
}

// IsCodeFile reports whether path has a recognized extension.
func IsCodeFile(path string) bool {
	return codeExtensions[strings.ToLower(filepath.Ext(path))]
}
