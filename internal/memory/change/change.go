// Package change implements the Change-Memory Tracker (spec §4.4.2):
// AI-reported records of what changed and why, recalled by file-path
// overlap, keyword overlap, or (optionally) embedding similarity, with
// time-decayed relevance and periodic maintenance pruning.
//
// Grounded on the same modernc.org/sqlite store shape as
// internal/memory/curated (a separate table of the same per-project
// DB), and on the Curated Memory Store's tfidf-adjacent keyword
// extraction convention for consistency across this module's two
// memory subsystems.
package change

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/search/semantic"
)

// DecayFactor and DecayPeriod implement spec §4.4.2's "(a) multiplies
// scores by (1 - 0.1) per 30 days since last recall".
const (
	DecayFactor = 0.9
	DecayPeriod = 30 * 24 * time.Hour
	DeleteBelow = 0.1
)

// Record is spec §4.4.2's CodeChangeMemory entity.
type Record struct {
	ID             string
	ProjectPath    string
	Type           string
	Files          []string
	Symbols        []string
	Summary        string
	UserIntent     string
	Keywords       []string
	Embedding      []float32
	RelevanceScore float64
	CreatedAt      time.Time
	LastRecalledAt time.Time
}

// Tracker is the Change-Memory Tracker for one project, backed by a
// table in the same SQL database the Curated Memory Store uses.
type Tracker struct {
	db          *sql.DB
	projectPath string
}

// Open attaches a Tracker to an already-open *sql.DB (the same
// connection the curated.Store for this project uses), creating its
// table if needed.
func Open(db *sql.DB, projectPath string) (*Tracker, error) {
	t := &Tracker{db: db, projectPath: projectPath}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS change_memories (
			id               TEXT PRIMARY KEY,
			project_path     TEXT NOT NULL,
			type             TEXT NOT NULL,
			files            TEXT NOT NULL,
			symbols          TEXT NOT NULL,
			summary          TEXT NOT NULL,
			user_intent      TEXT NOT NULL,
			keywords         TEXT NOT NULL,
			embedding_blob   BLOB,
			relevance_score  REAL NOT NULL,
			created_at       INTEGER NOT NULL,
			last_recalled_at INTEGER NOT NULL
		)
	`); err != nil {
		return nil, daemonerr.Wrap(daemonerr.SchemaMismatch, "create change_memories table", err)
	}
	return t, nil
}

var keywordRe = regexp.MustCompile(`[a-z0-9]+`)

// extractKeywords pulls lowercase alphanumeric tokens >= 3 chars from
// text (spec §4.4.2).
func extractKeywords(text string) []string {
	raw := keywordRe.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]bool)
	var out []string
	for _, tok := range raw {
		if len(tok) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// RecordChange inserts a new change-memory row with relevance 1.0.
func (t *Tracker) RecordChange(ctx context.Context, changeType string, files, symbols []string, summary, userIntent string, embedding []float32) (string, error) {
	now := time.Now()
	id := deriveChangeID(t.projectPath, summary, now.UnixNano())
	keywords := extractKeywords(userIntent + " " + summary)

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO change_memories
			(id, project_path, type, files, symbols, summary, user_intent, keywords, embedding_blob, relevance_score, created_at, last_recalled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1.0, ?, ?)
	`, id, t.projectPath, changeType, strings.Join(files, ","), strings.Join(symbols, ","), summary, userIntent, strings.Join(keywords, ","),
		encodeEmbedding(embedding), now.Unix(), now.Unix())
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "insert change memory", err)
	}
	return id, nil
}

func deriveChangeID(projectPath, summary string, nanos int64) string {
	return strconv.FormatInt(int64(hashString(projectPath+"|"+summary))+nanos, 36)
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}

func (t *Tracker) loadAll(ctx context.Context) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, type, files, symbols, summary, user_intent, keywords, embedding_blob,
		       relevance_score, created_at, last_recalled_at
		FROM change_memories WHERE project_path = ?
	`, t.projectPath)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "load change memories", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var files, symbolsCSV, keywordsCSV string
		var embBlob []byte
		var createdAt, lastRecalledAt int64
		if err := rows.Scan(&r.ID, &r.Type, &files, &symbolsCSV, &r.Summary, &r.UserIntent, &keywordsCSV, &embBlob, &r.RelevanceScore, &createdAt, &lastRecalledAt); err != nil {
			return nil, daemonerr.Wrap(daemonerr.IoError, "scan change memory row", err)
		}
		r.ProjectPath = t.projectPath
		r.Files = splitNonEmpty(files)
		r.Symbols = splitNonEmpty(symbolsCSV)
		r.Keywords = splitNonEmpty(keywordsCSV)
		r.Embedding = decodeEmbedding(embBlob)
		r.CreatedAt = time.Unix(createdAt, 0)
		r.LastRecalledAt = time.Unix(lastRecalledAt, 0)
		out = append(out, r)
	}
	return out, nil
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

// FindRelevantChanges implements spec §4.4.2's three-pass merge: by
// file path substring, by keyword overlap, and (when queryEmbedding is
// non-nil) by cosine similarity of summary embeddings.
func (t *Tracker) FindRelevantChanges(ctx context.Context, filePaths []string, userIntent string, queryEmbedding []float32, limit int) ([]Record, error) {
	all, err := t.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	queryKeywords := extractKeywords(userIntent)
	matched := make(map[string]Record)

	for _, r := range all {
		if matchesAnyPath(r.Files, filePaths) {
			matched[r.ID] = r
			continue
		}
		if keywordOverlap(r.Keywords, queryKeywords) {
			matched[r.ID] = r
			continue
		}
		if queryEmbedding != nil && len(r.Embedding) > 0 {
			if semantic.Cosine(queryEmbedding, r.Embedding) >= 0.5 {
				matched[r.ID] = r
			}
		}
	}

	out := make([]Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })

	for _, r := range out {
		if err := t.recordRecall(ctx, r.ID); err != nil {
			return nil, err
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesAnyPath(recordFiles, queryFiles []string) bool {
	for _, rf := range recordFiles {
		for _, qf := range queryFiles {
			if qf != "" && (strings.Contains(rf, qf) || strings.Contains(qf, rf)) {
				return true
			}
		}
	}
	return false
}

func keywordOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if set[k] {
			return true
		}
	}
	return false
}

// recordRecall resets relevance_score to 1.0 and stamps
// last_recalled_at on recall (spec §4.4.2: "relevance_score rebumped on recall").
func (t *Tracker) recordRecall(ctx context.Context, id string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE change_memories SET relevance_score = 1.0, last_recalled_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return daemonerr.Wrap(daemonerr.IoError, "record change recall", err)
	}
	return nil
}

// RunMaintenance implements spec §4.4.2's periodic maintenance: decay
// every row's score by DecayFactor per DecayPeriod elapsed since its
// last recall, then delete rows whose score falls below DeleteBelow.
//
// relevance_score is always recomputed fresh from the fixed base of
// 1.0 a row carries at creation/last recall (recordRecall resets it to
// exactly 1.0), never by multiplying the previously persisted score
// again: last_recalled_at is the only decay anchor, and it does not
// move when maintenance runs, so decay must be a pure function of
// elapsed time since that anchor, not of how many times maintenance
// has already run against it. Compounding onto the stored score would
// double-decay rows on every repeated run.
func (t *Tracker) RunMaintenance(ctx context.Context) error {
	all, err := t.loadAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range all {
		periods := math.Floor(now.Sub(r.LastRecalledAt).Hours() / DecayPeriod.Hours())
		if periods <= 0 {
			continue
		}
		newScore := math.Pow(DecayFactor, periods)
		if newScore < DeleteBelow {
			if _, err := t.db.ExecContext(ctx, `DELETE FROM change_memories WHERE id = ?`, r.ID); err != nil {
				return daemonerr.Wrap(daemonerr.IoError, "delete decayed change memory", err)
			}
			continue
		}
		if _, err := t.db.ExecContext(ctx, `UPDATE change_memories SET relevance_score = ? WHERE id = ?`, newScore, r.ID); err != nil {
			return daemonerr.Wrap(daemonerr.IoError, "decay change memory", err)
		}
	}
	return nil
}
