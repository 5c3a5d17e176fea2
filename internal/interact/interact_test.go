package interact

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/history"
	"github.com/contextdev/contextd/internal/memory/change"
	"github.com/contextdev/contextd/internal/memory/curated"
	"github.com/contextdev/contextd/internal/popup"
	"github.com/contextdev/contextd/internal/protocol"
)

type fakeSink struct {
	respond func(req popup.Request) popup.Response
	coord   *popup.Coordinator
}

func (f *fakeSink) ShowPopup(ctx context.Context, req popup.Request) error {
	go func() {
		_ = f.coord.Deliver(req.ID, f.respond(req))
	}()
	return nil
}

func newTestTool(t *testing.T, respond func(req popup.Request) popup.Response) (*Tool, *history.Store, *change.Tracker, string) {
	t.Helper()
	sink := &fakeSink{respond: respond}
	coord := popup.New(sink)
	sink.coord = coord

	dir := t.TempDir()
	histStore, err := history.Open(filepath.Join(dir, "history.json"))
	require.NoError(t, err)

	db, err := curated.Open(filepath.Join(dir, "memory.db"), dir)
	require.NoError(t, err)
	changeTracker, err := change.Open(db.DB(), dir)
	require.NoError(t, err)

	resolver := func(projectPath string) (ProjectResources, error) {
		return ProjectResources{
			Curated: db,
			Changes: changeTracker,
			History: histStore,
			TempDir: filepath.Join(dir, "images"),
		}, nil
	}

	tool := New(coord, resolver, 2*time.Second)
	return tool, histStore, changeTracker, dir
}

func TestExecuteDelegatesAndRecordsHistory(t *testing.T) {
	tool, hist, _, _ := newTestTool(t, func(req popup.Request) popup.Response {
		return popup.Response(`{"user_input":"looks good"}`)
	})

	result, err := tool.Execute(context.Background(), protocol.InteractParams{Message: "ship it?"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "looks good")
	assert.Contains(t, result.Content[0].Text, "CHANGE_REPORT")

	assert.Equal(t, 1, hist.Len())
	recent := hist.Recent(1)
	assert.Equal(t, "ship it?", recent[0].RequestMessage)
	assert.Equal(t, "looks good", recent[0].UserResponse)
}

func TestExecuteForwardsEmbeddedChangeReport(t *testing.T) {
	tool, _, tracker, _ := newTestTool(t, func(req popup.Request) popup.Response {
		return popup.Response(`{"user_input":"ok"}`)
	})

	msg := "refactored stuff\n[CHANGE_REPORT]\ntype: refactor\nfiles: a.go\nsummary: renamed X to Y\n[/CHANGE_REPORT]"
	_, err := tool.Execute(context.Background(), protocol.InteractParams{Message: msg})
	require.NoError(t, err)

	recs, err := tracker.FindRelevantChanges(context.Background(), []string{"a.go"}, "", nil, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "renamed X to Y", recs[0].Summary)
}

func TestExecuteSavesImagesAndReturnsContentItems(t *testing.T) {
	tool, _, _, dir := newTestTool(t, func(req popup.Request) popup.Response {
		payload, _ := json.Marshal(popup.StructuredResponse{
			UserInput: "here's a screenshot",
			Images: []popup.Image{
				{DataBase64: base64.StdEncoding.EncodeToString([]byte("fakepngbytes")), MediaType: "image/png"},
			},
		})
		return popup.Response(payload)
	})

	result, err := tool.Execute(context.Background(), protocol.InteractParams{Message: "what's wrong here?"})
	require.NoError(t, err)
	require.Len(t, result.Content, 2)
	assert.Equal(t, "image", result.Content[0].Type)
	assert.Equal(t, "text", result.Content[1].Type)
	assert.Contains(t, result.Content[1].Text, "Saved images:")

	entries, err := os.ReadDir(filepath.Join(dir, "images"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), ".png")
}

func TestExecutePopupCancellationReturnsErrorResult(t *testing.T) {
	tool, _, _, _ := newTestTool(t, func(req popup.Request) popup.Response {
		return popup.Response(popup.Cancelled)
	})

	result, err := tool.Execute(context.Background(), protocol.InteractParams{Message: "hello"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewClampsTimeout(t *testing.T) {
	tool := New(nil, nil, 1*time.Second)
	assert.Equal(t, MinTimeout, tool.timeout)

	tool = New(nil, nil, 2*time.Hour)
	assert.Equal(t, MaxTimeout, tool.timeout)

	tool = New(nil, nil, 0)
	assert.Equal(t, DefaultTimeout, tool.timeout)
}
