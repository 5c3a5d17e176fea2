package curated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendAddListRoundTrip(t *testing.T) {
	fb, err := OpenFileBackend(t.TempDir(), "/proj")
	require.NoError(t, err)

	id, err := fb.Add(context.Background(), "Use tabs", CategoryRule)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	page, err := fb.List(context.Background(), "", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Use tabs", page.Items[0].Content)
}

func TestFileBackendDeleteAndUpdate(t *testing.T) {
	fb, err := OpenFileBackend(t.TempDir(), "/proj")
	require.NoError(t, err)
	ctx := context.Background()

	id, err := fb.Add(ctx, "original", CategoryPattern)
	require.NoError(t, err)

	ok, err := fb.Update(ctx, id, "updated")
	require.NoError(t, err)
	assert.True(t, ok)

	page, err := fb.List(ctx, "", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "updated", page.Items[0].Content)

	ok, err = fb.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	page, err = fb.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestFileBackendRecordUsageIsNoOp(t *testing.T) {
	fb, err := OpenFileBackend(t.TempDir(), "/proj")
	require.NoError(t, err)
	require.NoError(t, fb.RecordUsage(context.Background(), "nonexistent-id"))
}

func TestFileBackendMigrateToDB(t *testing.T) {
	fb, err := OpenFileBackend(t.TempDir(), "/proj")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = fb.Add(ctx, "entry one", CategoryRule)
	require.NoError(t, err)
	_, err = fb.Add(ctx, "entry two", CategoryContext)
	require.NoError(t, err)

	db := openTestStore(t)
	require.NoError(t, fb.MigrateToDB(ctx, db))

	page, err := db.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fb1, err := OpenFileBackend(dir, "/proj")
	require.NoError(t, err)
	_, err = fb1.Add(context.Background(), "persisted entry", CategoryRule)
	require.NoError(t, err)

	fb2, err := OpenFileBackend(dir, "/proj")
	require.NoError(t, err)
	page, err := fb2.List(context.Background(), "", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "persisted entry", page.Items[0].Content)
}
