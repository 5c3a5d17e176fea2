// Cache-wrapped embedding provider backed by modernc.org/sqlite, the
// teacher's go.mod dependency that no visible teacher source file
// actually exercises (see DESIGN.md). Grounded on the teacher's general
// "wrap an expensive call behind a store lookup" shape
// (internal/ai/memory/context.go), adapted to a real SQL schema since
// the embedding cache is explicitly a cache, not a curated record.
package semantic

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// CachedProvider wraps a Provider with a SQL-backed cache keyed on the
// sha256 of the input text, evicting lazily on read once an entry is
// older than TTL (spec §4.3.4's "configurable TTL" cache requirement).
type CachedProvider struct {
	inner Provider
	db    *sql.DB
	ttl   time.Duration
}

// OpenCache opens (creating if needed) a sqlite-backed embedding cache
// at path, wrapping inner.
func OpenCache(inner Provider, path string, ttl time.Duration) (*CachedProvider, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "open embedding cache", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS embedding_cache (
			text_hash   TEXT PRIMARY KEY,
			model       TEXT NOT NULL,
			dims        INTEGER NOT NULL,
			vector_blob BLOB NOT NULL,
			created_at  INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, daemonerr.Wrap(daemonerr.SchemaMismatch, "create embedding_cache table", err)
	}

	return &CachedProvider{inner: inner, db: db, ttl: ttl}, nil
}

func (c *CachedProvider) Close() error { return c.db.Close() }

func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedProvider) lookup(ctx context.Context, text string) ([]float32, bool) {
	row := c.db.QueryRowContext(ctx, `SELECT vector_blob, created_at FROM embedding_cache WHERE text_hash = ?`, hashText(text))
	var blob []byte
	var createdAt int64
	if err := row.Scan(&blob, &createdAt); err != nil {
		return nil, false
	}
	if time.Since(time.Unix(createdAt, 0)) > c.ttl {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE text_hash = ?`, hashText(text))
		return nil, false
	}
	return decodeVector(blob), true
}

func (c *CachedProvider) store(ctx context.Context, text string, vec []float32) {
	_, _ = c.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, model, dims, vector_blob, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(text_hash) DO UPDATE SET vector_blob = excluded.vector_blob, created_at = excluded.created_at
	`, hashText(text), "", len(vec), encodeVector(vec), time.Now().Unix())
}

// Embed returns the cached vector if fresh, otherwise calls through to
// the wrapped provider and stores the result.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(ctx, text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, text, vec)
	return vec, nil
}

// EmbedBatch fetches what it can from cache and only calls through for
// the texts that miss, preserving input order in the result.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookup(ctx, text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fetched, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		if j < len(fetched) {
			out[idx] = fetched[j]
			c.store(ctx, missTexts[j], fetched[j])
		}
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return vec
}
