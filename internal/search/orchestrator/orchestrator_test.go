package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/search/state"
	"github.com/contextdev/contextd/internal/search/symbols"
)

func newTestProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.go"), []byte("func Login() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.go"), []byte("// mentions login in passing\n"), 0o644))
	return dir
}

func TestResolveProjectRootExplicitWins(t *testing.T) {
	dir := t.TempDir()
	root, err := ResolveProjectRoot(dir, "/somewhere/else")
	require.NoError(t, err)
	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, root)
}

func TestResolveProjectRootFindsGitAncestor(t *testing.T) {
	dir := newTestProject(t)
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	root, err := ResolveProjectRoot("", nested)
	require.NoError(t, err)
	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, root)
}

func TestResolveProjectRootFailsWithoutGit(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveProjectRoot("", dir)
	require.Error(t, err)
}

func TestColdStartFallsThroughToGrep(t *testing.T) {
	dir := newTestProject(t)
	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "Login", Mode: protocol.SearchModeText}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"text:not_ready", "grep"}, result.Trace.FallbackUsed)
	assert.Equal(t, "grep", result.Trace.Engine)
	assert.Equal(t, state.Indexing, result.Trace.IndexHealth)

	// the background index build should complete shortly; poll briefly.
	require.Eventually(t, func() bool {
		return registry.Get(dir).Status == state.Ready
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTextSearchAfterIndexReady(t *testing.T) {
	dir := newTestProject(t)
	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	_, err := symStore.IndexProject(dir)
	require.NoError(t, err)
	registry.MarkIndexingComplete(dir, symStore.FileCount(dir))

	// force the full-text index to build the way buildIndex would.
	orch.buildIndex(dir)

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "Login", Mode: protocol.SearchModeText}, dir)
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, "auth.go", result.Items[0].Path)
	assert.Equal(t, "text", result.Trace.Engine)
}

func TestSymbolModeSearch(t *testing.T) {
	dir := newTestProject(t)
	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	_, err := symStore.IndexProject(dir)
	require.NoError(t, err)
	registry.MarkIndexingComplete(dir, symStore.FileCount(dir))
	orch.buildIndex(dir)

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "Login", Mode: protocol.SearchModeSymbol}, dir)
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, "symbol", result.Trace.Engine)
}

func TestStructureOnlyProfile(t *testing.T) {
	dir := newTestProject(t)
	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	_, err := symStore.IndexProject(dir)
	require.NoError(t, err)
	registry.MarkIndexingComplete(dir, symStore.FileCount(dir))

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "", Profile: protocol.ProfileStructureOnly}, dir)
	require.NoError(t, err)
	assert.Equal(t, "structure", result.Trace.Engine)
	assert.Len(t, result.Items, 2)
}

func TestTextSearchFallsBackToGrepWhenIndexReadyButEmpty(t *testing.T) {
	dir := newTestProject(t)
	// a term that occurs only inside a longer identifier: the Full-Text
	// Index matches whole tokens and misses it, while the Grep Fallback's
	// substring scan finds it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "haystack.go"), []byte("var haystackneedlehaystack = 1\n"), 0o644))

	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	_, err := symStore.IndexProject(dir)
	require.NoError(t, err)
	registry.MarkIndexingComplete(dir, symStore.FileCount(dir))
	orch.buildIndex(dir)

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "needle", Mode: protocol.SearchModeText}, dir)
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, "grep", result.Trace.Engine)
	assert.Equal(t, []string{"text:empty", "grep"}, result.Trace.FallbackUsed)
	assert.Equal(t, result.Trace.Engine, result.Trace.FallbackUsed[len(result.Trace.FallbackUsed)-1])
}

func TestSmartStructureProfileMergesSymbolAndTextHitsWithoutDuplicates(t *testing.T) {
	dir := newTestProject(t)
	symStore := symbols.NewStore("")
	registry := state.NewRegistry("")
	orch := New(symStore, registry, nil, nil, 0)

	_, err := symStore.IndexProject(dir)
	require.NoError(t, err)
	registry.MarkIndexingComplete(dir, symStore.FileCount(dir))
	orch.buildIndex(dir)

	result, err := orch.Search(context.Background(), protocol.SearchParams{Query: "Login", Profile: protocol.ProfileSmartStructure}, dir)
	require.NoError(t, err)
	assert.Equal(t, "smart_structure", result.Trace.Engine)

	seen := make(map[string]bool)
	for _, item := range result.Items {
		assert.False(t, seen[item.Path], "duplicate path %q in merged results", item.Path)
		seen[item.Path] = true
	}
	assert.Contains(t, seen, "auth.go")
}
