package symbols

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIncrementalReindex reproduces spec §8 scenario 2 literally.
func TestIncrementalReindex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nfunc Foo() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package a\n\nfunc Bar() {}\n"), 0o644))

	store := NewStore(t.TempDir())

	res, err := store.IndexProject(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 0, res.Skipped)

	res, err = store.IndexProject(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 2, res.Skipped)

	// Modify one file's size; ensure mtime also changes so the OS doesn't
	// coalesce it into the same second as the original write.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nfunc Foo() { /* changed */ }\n"), 0o644))

	res, err = store.IndexProject(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Skipped)
}

func TestIndexProjectHonorsDenyListAndGitignore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "x.go"), []byte("package x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("ignored.log\n"), 0o644))

	store := NewStore("")
	res, err := store.IndexProject(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed) // keep.go + .gitignore itself

	_, hasNodeModules := store.Entry(dir, "node_modules/x.go")
	assert.False(t, hasNodeModules)
	_, hasIgnored := store.Entry(dir, "ignored.log")
	assert.False(t, hasIgnored)
	_, hasKeep := store.Entry(dir, "keep.go")
	assert.True(t, hasKeep)
}

func TestExtractUnknownLanguageProducesOneFileSymbol(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.xyz")
	require.NoError(t, os.WriteFile(path, []byte("whatever content"), 0o644))

	syms, _, err := Extract(path, "data.xyz")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, KindFile, syms[0].Kind)
	assert.Empty(t, syms[0].Language)
}

func TestExtractGoSymbols(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.go")
	src := `package x

func TopLevel() {}

type Widget struct{}

func (w *Widget) Render() {}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	syms, snippet, err := Extract(path, "x.go")
	require.NoError(t, err)

	var kinds []Kind
	for _, s := range syms {
		kinds = append(kinds, s.Kind)
	}
	assert.Contains(t, kinds, KindFile)
	assert.Contains(t, kinds, KindFunction)
	assert.Contains(t, kinds, KindStruct)
	assert.Contains(t, kinds, KindMethod)
	assert.NotEmpty(t, snippet)
}

func TestInvalidateFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	store := NewStore("")
	_, err := store.IndexProject(dir)
	require.NoError(t, err)

	_, ok := store.Entry(dir, "a.go")
	require.True(t, ok)

	store.InvalidateFile(dir, "a.go")
	_, ok = store.Entry(dir, "a.go")
	assert.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	snapDir := t.TempDir()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))

	store := NewStore(snapDir)
	_, err := store.IndexProject(dir)
	require.NoError(t, err)

	store2 := NewStore(snapDir)
	require.NoError(t, store2.LoadSnapshot(dir))
	_, ok := store2.Entry(dir, "a.go")
	assert.True(t, ok)
}
