package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/search/orchestrator"
	"github.com/contextdev/contextd/internal/search/state"
	"github.com/contextdev/contextd/internal/search/symbols"
)

func TestWatchedSearchRegistersProjectOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	symbolStore := symbols.NewStore(filepath.Join(dir, "symbols"))
	stateRegistry := state.NewRegistry(filepath.Join(dir, "state.json"))
	orch := orchestrator.New(symbolStore, stateRegistry, nil, nil, 0)

	handler := watchedSearch(orch, nil)

	params, _ := json.Marshal(protocol.SearchParams{ProjectRootPath: dir, Query: "anything"})
	_, err := handler(context.Background(), params)
	require.NoError(t, err)

	// A nil watcher must not panic on a second call either.
	_, err = handler(context.Background(), params)
	require.NoError(t, err)
}

func TestProjectRegistryResolveCachesPerProject(t *testing.T) {
	dir := t.TempDir()
	reg := newProjectRegistry(dir, "contextd")

	res1, err := reg.resolve("/some/project")
	require.NoError(t, err)
	res2, err := reg.resolve("/some/project")
	require.NoError(t, err)
	assert.Same(t, res1.Curated, res2.Curated)

	res3, err := reg.resolve("/other/project")
	require.NoError(t, err)
	assert.NotSame(t, res1.Curated, res3.Curated)
}

func TestProjectRegistryDirForIsStableAndDistinct(t *testing.T) {
	reg := newProjectRegistry(t.TempDir(), "contextd")
	a := reg.dirFor("/project/a")
	b := reg.dirFor("/project/b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, reg.dirFor("/project/a"))
}
