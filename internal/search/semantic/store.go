// Per-project vector store and rerank scoring (spec §4.3.4): batches
// embedding calls (batch size 10), keeps one vector per indexed file
// keyed by its relative path, and reranks full-text hits against
// semantic similarity.
//
// Grounded on the teacher's Unified-Symbol-Store convention of one
// project-keyed in-memory map guarded by a single mutex
// (internal/search/symbols/symbols.go projects map in this same
// module), since no vector-store component exists anywhere in the
// example pack.
package semantic

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/contextdev/contextd/internal/search/fulltext"
)

// BatchSize is the number of files embedded per provider call (spec §4.3.4).
const BatchSize = 10

// RerankFulltextWeight and RerankVectorWeight implement
// final = 0.6*fulltext_score + 0.4*(10*cosine) (spec §4.3.4).
const (
	RerankFulltextWeight = 0.6
	RerankVectorWeight   = 0.4
	RerankVectorScale    = 10.0
)

// VectorOnlyMinCosine is the minimum cosine similarity a hit must clear
// to surface in a pure vector-only search (spec §4.3.4).
const VectorOnlyMinCosine = 0.3

// FileVector is one file's embedding with optional symbol names and
// summary; EmbedProjectFiles sets only Path, Embedding and UpdatedAt.
type FileVector struct {
	Path      string
	Symbols   []string
	Summary   string
	Embedding []float32
	UpdatedAt int64 // unix seconds, set by the caller
}

// VectorStore holds one FileVector per project per path.
type VectorStore struct {
	mu       sync.RWMutex
	projects map[string]map[string]FileVector
}

func NewVectorStore() *VectorStore {
	return &VectorStore{projects: make(map[string]map[string]FileVector)}
}

// Upsert stores or replaces a file's vector.
func (vs *VectorStore) Upsert(project string, fv FileVector) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.projects[project] == nil {
		vs.projects[project] = make(map[string]FileVector)
	}
	vs.projects[project][fv.Path] = fv
}

// Remove deletes a file's vector, used when a file is deleted or
// invalidated by the watcher.
func (vs *VectorStore) Remove(project, path string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	delete(vs.projects[project], path)
}

// All returns every vector known for a project.
func (vs *VectorStore) All(project string) []FileVector {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make([]FileVector, 0, len(vs.projects[project]))
	for _, fv := range vs.projects[project] {
		out = append(out, fv)
	}
	return out
}

// EmbedProjectFiles embeds a batch of (path, text) pairs BatchSize at a
// time and stores the resulting vectors.
func EmbedProjectFiles(ctx context.Context, provider Provider, vs *VectorStore, project string, files map[string]string, updatedAt int64) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	for start := 0; start < len(paths); start += BatchSize {
		end := start + BatchSize
		if end > len(paths) {
			end = len(paths)
		}
		batchPaths := paths[start:end]
		texts := make([]string, len(batchPaths))
		for i, p := range batchPaths {
			texts[i] = files[p]
		}
		vecs, err := provider.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, p := range batchPaths {
			if i >= len(vecs) || vecs[i] == nil {
				continue
			}
			vs.Upsert(project, FileVector{Path: p, Embedding: vecs[i], UpdatedAt: updatedAt})
		}
	}
	return nil
}

// Cosine computes cosine similarity between two equal-length vectors,
// returning 0 if either is empty or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankedHit is a full-text hit carrying its semantic rerank score.
type RankedHit struct {
	fulltext.Hit
	Cosine     float64
	FinalScore float64
}

// Rerank combines full-text hits with the project vector store using
// final = 0.6*fulltext_score + 0.4*(10*cosine). Hits whose path has no
// stored vector score 0.6*fulltext_score (cosine counts as 0).
func Rerank(hits []fulltext.Hit, queryVec []float32, vs *VectorStore, project string) []RankedHit {
	byPath := make(map[string]FileVector)
	for _, fv := range vs.All(project) {
		byPath[fv.Path] = fv
	}

	out := make([]RankedHit, len(hits))
	for i, h := range hits {
		cos := 0.0
		if fv, ok := byPath[h.Path]; ok {
			cos = Cosine(queryVec, fv.Embedding)
		}
		out[i] = RankedHit{
			Hit:        h,
			Cosine:     cos,
			FinalScore: RerankFulltextWeight*h.Score + RerankVectorWeight*(RerankVectorScale*cos),
		}
	}
	sortRankedByScoreDesc(out)
	return out
}

// VectorOnlySearch ranks every vector in the project store by cosine
// similarity to queryVec, dropping anything below VectorOnlyMinCosine.
func VectorOnlySearch(queryVec []float32, vs *VectorStore, project string) []RankedHit {
	var out []RankedHit
	for _, fv := range vs.All(project) {
		cos := Cosine(queryVec, fv.Embedding)
		if cos < VectorOnlyMinCosine {
			continue
		}
		out = append(out, RankedHit{
			Hit:        fulltext.Hit{Path: fv.Path, Snippet: fv.Summary},
			Cosine:     cos,
			FinalScore: cos,
		})
	}
	sortRankedByScoreDesc(out)
	return out
}

func sortRankedByScoreDesc(hits []RankedHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].FinalScore > hits[j].FinalScore })
}
