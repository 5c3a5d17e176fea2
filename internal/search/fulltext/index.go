// Package fulltext implements the Full-Text Index (spec §4.3.2): an
// inverted index over path/symbols/content/language with stored
// snippets, field boosts at query time, bilingual synonym expansion,
// and explicit batched commits.
//
// No full-text/inverted-index library appears anywhere in the example
// pack (it is an infrastructure-monitoring corpus with no text-search
// domain), so this index is hand-rolled on the standard library; see
// DESIGN.md for that justification. The incremental "delete old
// document by path, then insert" discipline and the explicit-commit
// batching are grounded on the teacher's Unified-Symbol-Store-adjacent
// pattern of holding a dirty in-memory structure that is rewritten
// wholesale under a lock (internal/ai/memory/context.go saveIfDirty).
package fulltext

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Field boost weights applied at query time (spec §4.3.2).
const (
	BoostSymbols = 5.0
	BoostPath    = 2.0
	BoostContent = 1.0
)

// Document is one indexed file's projection from the Unified Symbol
// Store (spec §3 "mirrored into the Full-Text Index").
type Document struct {
	Path     string
	Content  string // tokenized, NOT stored
	Symbols  string // concatenated symbol names, tokenized AND stored
	Language string
	Snippet  string // pre-computed preview, stored
}

// storedDoc is what actually lives in the index: content is discarded
// after tokenizing, matching the "content: tokenized, not stored" field
// spec.
type storedDoc struct {
	path     string
	symbols  string
	language string
	snippet  string
}

type posting struct {
	termFreq int
}

// Index is the inverted index. One Index instance is created per
// project; readers see the snapshot as of their last Commit.
type Index struct {
	mu sync.RWMutex

	docs map[string]storedDoc // path -> stored fields

	// field -> term -> path -> posting
	postings map[string]map[string]map[string]posting

	pendingDeletes map[string]bool
	pendingUpserts map[string]Document
}

// New builds an empty Index.
func New() *Index {
	return &Index{
		docs:           make(map[string]storedDoc),
		postings:       map[string]map[string]map[string]posting{"path": {}, "content": {}, "symbols": {}},
		pendingDeletes: make(map[string]bool),
		pendingUpserts: make(map[string]Document),
	}
}

// Upsert stages a document write. The old document at the same path
// (if any) is deleted before the new one is inserted, per spec's
// incremental-update rule; staged work only becomes visible at Commit.
func (idx *Index) Upsert(doc Document) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pendingDeletes[doc.Path] = true
	delete(idx.pendingUpserts, doc.Path) // last write wins if staged twice
	idx.pendingUpserts[doc.Path] = doc
}

// Delete stages a document removal.
func (idx *Index) Delete(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pendingDeletes[path] = true
	delete(idx.pendingUpserts, path)
}

// Commit applies every staged delete then every staged upsert as one
// atomic batch: concurrent readers observe either the pre-commit or the
// post-commit state, never a mix (spec §5 "Index commits are serialized").
func (idx *Index) Commit() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for path := range idx.pendingDeletes {
		idx.removeDocLocked(path)
	}
	for path, doc := range idx.pendingUpserts {
		idx.insertDocLocked(doc)
		_ = path
	}
	idx.pendingDeletes = make(map[string]bool)
	idx.pendingUpserts = make(map[string]Document)
}

func (idx *Index) removeDocLocked(path string) {
	if _, ok := idx.docs[path]; !ok {
		return
	}
	delete(idx.docs, path)
	for _, terms := range idx.postings {
		for term, paths := range terms {
			delete(paths, path)
			if len(paths) == 0 {
				delete(terms, term)
			}
		}
	}
}

func (idx *Index) insertDocLocked(doc Document) {
	idx.docs[doc.Path] = storedDoc{path: doc.Path, symbols: doc.Symbols, language: doc.Language, snippet: doc.Snippet}

	idx.indexFieldLocked("path", doc.Path, tokenize(doc.Path))
	idx.indexFieldLocked("symbols", doc.Path, tokenize(doc.Symbols))
	idx.indexFieldLocked("content", doc.Path, tokenize(doc.Content))
}

func (idx *Index) indexFieldLocked(field, path string, terms []string) {
	freq := make(map[string]int)
	for _, t := range terms {
		freq[t]++
	}
	for t, f := range freq {
		if idx.postings[field][t] == nil {
			idx.postings[field][t] = make(map[string]posting)
		}
		idx.postings[field][t][path] = posting{termFreq: f}
	}
}

// DocCount reports how many documents are currently committed.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Hit is one scored match from Query.
type Hit struct {
	Path    string
	Score   float64
	Snippet string
}

// Query runs a multi-field boosted search over the committed index.
// Matching the spec's "match_type=content" semantics, this is a
// symmetric OR across fields — every field a term matches contributes
// its boosted frequency to the total score.
func (idx *Index) Query(query string) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	terms := expandSynonyms(tokenize(query))
	scores := make(map[string]float64)

	for _, term := range terms {
		idx.scoreFieldLocked("symbols", term, BoostSymbols, scores)
		idx.scoreFieldLocked("path", term, BoostPath, scores)
		idx.scoreFieldLocked("content", term, BoostContent, scores)
	}

	hits := make([]Hit, 0, len(scores))
	for path, score := range scores {
		hits = append(hits, Hit{Path: path, Score: score, Snippet: idx.docs[path].snippet})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

// QuerySymbolsOnly restricts the search to the symbols field, used by
// mode=symbol (spec §4.3.5), preferring exact-word matches.
func (idx *Index) QuerySymbolsOnly(query string) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	terms := tokenize(query)
	scores := make(map[string]float64)
	for _, term := range terms {
		idx.scoreFieldLocked("symbols", term, BoostSymbols, scores)
	}
	hits := make([]Hit, 0, len(scores))
	for path, score := range scores {
		hits = append(hits, Hit{Path: path, Score: score, Snippet: idx.docs[path].snippet})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

func (idx *Index) scoreFieldLocked(field, term string, boost float64, scores map[string]float64) {
	for path, p := range idx.postings[field][term] {
		scores[path] += boost * float64(p.termFreq)
	}
}

// Snippet returns the stored snippet for a path, if indexed.
func (idx *Index) Snippet(path string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[path]
	return d.snippet, ok
}

// tokenizeRe splits on anything that isn't a letter/digit/CJK rune.
var tokenizeRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

func tokenize(s string) []string {
	matches := tokenizeRe.FindAllString(strings.ToLower(s), -1)
	return matches
}

// builtinSynonyms is the small bilingual synonym map of spec §4.3.2.
// Expansion is additive: original terms are always retained.
var builtinSynonyms = map[string][]string{
	"login":  {"auth"},
	"auth":   {"login"},
	"cache":  {"缓存"},
	"缓存":     {"cache"},
	"error":  {"错误"},
	"错误":     {"error"},
	"config": {"配置"},
	"配置":     {"config"},
}

func expandSynonyms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]bool)
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range terms {
		add(t)
		for _, syn := range builtinSynonyms[t] {
			add(syn)
		}
	}
	return out
}
