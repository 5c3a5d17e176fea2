// Package state implements the Index State Registry (spec §4.3.5): a
// per-project NotIndexed/Indexing/Ready/Stale state machine, cached in
// memory and mirrored to a small JSON file.
//
// Grounded on the teacher's atomic tmp-file-then-rename JSON snapshot
// pattern (internal/ai/investigation/store.go, also reused by this
// module's internal/search/symbols snapshot persistence).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// Status is one node of the index lifecycle state machine.
type Status string

const (
	NotIndexed Status = "not_indexed"
	Indexing   Status = "indexing"
	Ready      Status = "ready"
	Stale      Status = "stale"
)

// StaleAfter is the TTL after which a Ready index is considered Stale
// (spec §4.3.5's "TTL elapsed" transition); advisory only.
const StaleAfter = 24 * time.Hour

// ProjectIndexState is the persisted record for one project.
type ProjectIndexState struct {
	ProjectRoot   string `json:"project_root"`
	Status        Status `json:"status"`
	LastIndexedTS int64  `json:"last_indexed_ts"`
	FileCount     int    `json:"file_count"`
}

// Registry tracks ProjectIndexState for every known project.
type Registry struct {
	mu           sync.Mutex
	snapshotPath string
	projects     map[string]*ProjectIndexState
}

// NewRegistry builds a Registry backed by snapshotPath, loading any
// existing snapshot.
func NewRegistry(snapshotPath string) *Registry {
	r := &Registry{snapshotPath: snapshotPath, projects: make(map[string]*ProjectIndexState)}
	_ = r.load()
	return r
}

// Get returns the current state for a project, defaulting to
// NotIndexed if unseen. TTL expiry from Ready to Stale is applied
// lazily on read.
func (r *Registry) Get(projectRoot string) ProjectIndexState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(projectRoot)
}

func (r *Registry) getLocked(projectRoot string) ProjectIndexState {
	st, ok := r.projects[projectRoot]
	if !ok {
		return ProjectIndexState{ProjectRoot: projectRoot, Status: NotIndexed}
	}
	if st.Status == Ready && time.Since(time.Unix(st.LastIndexedTS, 0)) > StaleAfter {
		st.Status = Stale
	}
	return *st
}

// MarkIndexingStarted transitions NotIndexed/Stale/Ready -> Indexing.
// It is idempotent: calling it while already Indexing is a no-op.
func (r *Registry) MarkIndexingStarted(projectRoot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.getLocked(projectRoot)
	if st.Status == Indexing {
		return
	}
	st.Status = Indexing
	r.projects[projectRoot] = &st
	_ = r.saveLocked()
}

// MarkIndexingComplete transitions Indexing -> Ready, stamping
// last_indexed_ts and file_count.
func (r *Registry) MarkIndexingComplete(projectRoot string, fileCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[projectRoot] = &ProjectIndexState{
		ProjectRoot:   projectRoot,
		Status:        Ready,
		LastIndexedTS: time.Now().Unix(),
		FileCount:     fileCount,
	}
	_ = r.saveLocked()
}

// IsIndexing reports whether a background index build is already
// running for projectRoot, so the orchestrator doesn't spawn a second one.
func (r *Registry) IsIndexing(projectRoot string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(projectRoot).Status == Indexing
}

// Delete removes all state for a project (spec's "deleted" transition
// back to NotIndexed).
func (r *Registry) Delete(projectRoot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, projectRoot)
	_ = r.saveLocked()
}

type snapshotFile struct {
	Projects map[string]*ProjectIndexState `json:"projects"`
}

func (r *Registry) saveLocked() error {
	if r.snapshotPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0o755); err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "create index state dir", err)
	}
	data, err := json.MarshalIndent(snapshotFile{Projects: r.projects}, "", "  ")
	if err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "marshal index state", err)
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "write index state tmp file", err)
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "rename index state file", err)
	}
	return nil
}

func (r *Registry) load() error {
	if r.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return daemonerr.Wrap(daemonerr.IoError, "read index state file", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return daemonerr.Wrap(daemonerr.SchemaMismatch, "decode index state file", err)
	}
	if snap.Projects != nil {
		r.projects = snap.Projects
	}
	return nil
}
