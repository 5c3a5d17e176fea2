package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnseenProjectIsNotIndexed(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "state.json"))
	st := r.Get("/some/project")
	assert.Equal(t, NotIndexed, st.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "state.json"))
	root := "/proj"

	r.MarkIndexingStarted(root)
	assert.Equal(t, Indexing, r.Get(root).Status)
	assert.True(t, r.IsIndexing(root))

	r.MarkIndexingComplete(root, 42)
	st := r.Get(root)
	assert.Equal(t, Ready, st.Status)
	assert.Equal(t, 42, st.FileCount)
	assert.False(t, r.IsIndexing(root))

	// Reindex: Ready -> Indexing -> Ready again.
	r.MarkIndexingStarted(root)
	assert.Equal(t, Indexing, r.Get(root).Status)
	r.MarkIndexingComplete(root, 43)
	assert.Equal(t, Ready, r.Get(root).Status)
}

func TestMarkIndexingStartedIsIdempotent(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "state.json"))
	root := "/proj"
	r.MarkIndexingStarted(root)
	r.MarkIndexingStarted(root) // no-op, must not panic or reset timestamps
	assert.Equal(t, Indexing, r.Get(root).Status)
}

func TestReadyBecomesStaleAfterTTL(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "state.json"))
	root := "/proj"
	r.MarkIndexingComplete(root, 1)

	r.mu.Lock()
	r.projects[root].LastIndexedTS = time.Now().Add(-25 * time.Hour).Unix()
	r.mu.Unlock()

	assert.Equal(t, Stale, r.Get(root).Status)
}

func TestDeleteResetsToNotIndexed(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "state.json"))
	root := "/proj"
	r.MarkIndexingComplete(root, 1)
	r.Delete(root)
	assert.Equal(t, NotIndexed, r.Get(root).Status)
}

func TestSnapshotPersistsAcrossRegistries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	r1 := NewRegistry(path)
	r1.MarkIndexingComplete("/proj", 7)

	r2 := NewRegistry(path)
	st := r2.Get("/proj")
	assert.Equal(t, Ready, st.Status)
	assert.Equal(t, 7, st.FileCount)
}

func TestNewRegistryToleratesMissingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "state.json")
	require.NotPanics(t, func() {
		NewRegistry(path)
	})
}
