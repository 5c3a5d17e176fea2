package change

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTracker(t *testing.T) (*Tracker, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "change.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tracker, err := Open(db, "/proj")
	require.NoError(t, err)
	return tracker, db
}

func backdateRecall(t *testing.T, db *sql.DB, id string, at time.Time) {
	t.Helper()
	_, err := db.Exec(`UPDATE change_memories SET last_recalled_at = ? WHERE id = ?`, at.Unix(), id)
	require.NoError(t, err)
}

func TestRecordChangeInitialRelevance(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "refactor", []string{"a.rs", "b.rs"}, []string{"foo", "bar"}, "renamed foo to bar", "rename helper function", nil)
	require.NoError(t, err)

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	require.NoError(t, row.Scan(&score))
	assert.Equal(t, 1.0, score)
}

func TestExtractKeywordsFiltersShortTokens(t *testing.T) {
	kws := extractKeywords("Fix the IO bug in parse_config function")
	assert.Contains(t, kws, "fix")
	assert.Contains(t, kws, "bug")
	assert.Contains(t, kws, "parse") // underscores split tokens
	assert.Contains(t, kws, "config")
	assert.NotContains(t, kws, "io") // shorter than the 3-char floor
}

func TestFindRelevantChangesByFilePath(t *testing.T) {
	tracker, _ := openTestTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordChange(ctx, "fix", []string{"src/auth/login.go"}, nil, "fixed login bug", "login was broken", nil)
	require.NoError(t, err)
	_, err = tracker.RecordChange(ctx, "feature", []string{"src/payments/charge.go"}, nil, "added charge retries", "add retry logic", nil)
	require.NoError(t, err)

	found, err := tracker.FindRelevantChanges(ctx, []string{"login.go"}, "", nil, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Files, "src/auth/login.go")
}

func TestFindRelevantChangesByKeywordOverlap(t *testing.T) {
	tracker, _ := openTestTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "fixed authentication timeout", "auth timeout issue", nil)
	require.NoError(t, err)

	found, err := tracker.FindRelevantChanges(ctx, nil, "investigating authentication flow", nil, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestFindRelevantChangesRebumpsRelevanceOnRecall(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "fixed auth bug", "auth issue", nil)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE change_memories SET relevance_score = 0.3 WHERE id = ?`, id)
	require.NoError(t, err)

	found, err := tracker.FindRelevantChanges(ctx, nil, "auth", nil, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	require.NoError(t, row.Scan(&score))
	assert.Equal(t, 1.0, score)
}

// TestChangeMemoryDecayScenario reproduces the literal decay scenario:
// relevance ~0.9 after 30 days, survives at 11 periods (~0.314), deleted
// at 23 periods (~0.089).
func TestChangeMemoryDecayScenario(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "summary", "intent", nil)
	require.NoError(t, err)
	backdateRecall(t, db, id, time.Now().Add(-1*DecayPeriod))

	require.NoError(t, tracker.RunMaintenance(ctx))

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	require.NoError(t, row.Scan(&score))
	assert.InDelta(t, 0.9, score, 0.01)
}

func TestChangeMemorySurvivesAt11Periods(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "summary", "intent", nil)
	require.NoError(t, err)
	backdateRecall(t, db, id, time.Now().Add(-11*DecayPeriod))

	require.NoError(t, tracker.RunMaintenance(ctx))

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	err = row.Scan(&score)
	require.NoError(t, err, "entry should survive: 0.9^11 ~= 0.314 is above the 0.1 delete floor")
	assert.InDelta(t, math.Pow(0.9, 11), score, 0.01)
}

// TestChangeMemoryRepeatedMaintenanceDoesNotCompoundDecay guards against
// decaying the already-decayed stored score on a second run: two
// periods out from the same last_recalled_at must land on 0.9^2, not
// the stored 0.9 decayed again by 0.9^2 (0.9^3).
func TestChangeMemoryRepeatedMaintenanceDoesNotCompoundDecay(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "summary", "intent", nil)
	require.NoError(t, err)
	backdateRecall(t, db, id, time.Now().Add(-1*DecayPeriod))
	require.NoError(t, tracker.RunMaintenance(ctx))

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	require.NoError(t, row.Scan(&score))
	assert.InDelta(t, 0.9, score, 0.01)

	// last_recalled_at is unchanged; backdate it further to simulate
	// wall-clock advancing to 2 periods out, then run maintenance again.
	backdateRecall(t, db, id, time.Now().Add(-2*DecayPeriod))
	require.NoError(t, tracker.RunMaintenance(ctx))

	row = db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	require.NoError(t, row.Scan(&score))
	assert.InDelta(t, math.Pow(0.9, 2), score, 0.01, "decay over 2 periods must match the formula, not compound across maintenance runs")
}

func TestChangeMemoryDeletedAt23Periods(t *testing.T) {
	tracker, db := openTestTracker(t)
	ctx := context.Background()

	id, err := tracker.RecordChange(ctx, "fix", []string{"x.go"}, nil, "summary", "intent", nil)
	require.NoError(t, err)
	backdateRecall(t, db, id, time.Now().Add(-23*DecayPeriod))

	require.NoError(t, tracker.RunMaintenance(ctx))

	var score float64
	row := db.QueryRow(`SELECT relevance_score FROM change_memories WHERE id = ?`, id)
	err = row.Scan(&score)
	assert.ErrorIs(t, err, sql.ErrNoRows, "entry should be deleted: 0.9^23 ~= 0.089 is below the 0.1 delete floor")
}
