// Package orchestrator implements the Search Orchestrator (spec
// §4.3.5): project-root resolution, state-based routing between the
// indexed and grep-only paths, profile/mode dispatch across the Unified
// Symbol Store, Full-Text Index, Grep Fallback, and Semantic Layer, and
// SearchTrace construction.
//
// Grounded on the teacher's dispatcher pattern (internal/ai/tools/registry.go,
// already reused by this module's internal/dispatch) of one routing
// function that picks among several concrete engines by request shape.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/search/fulltext"
	"github.com/contextdev/contextd/internal/search/grep"
	"github.com/contextdev/contextd/internal/search/semantic"
	"github.com/contextdev/contextd/internal/search/state"
	"github.com/contextdev/contextd/internal/search/symbols"
)

// DefaultGrepMaxResultFiles is the fallback cap applied when a
// SearchParams carries no MaxResults (Open Question, decided in
// DESIGN.md: grep's cap is independent of profile.max_results and
// defaults to this value, only ever narrowed by an explicit request).
const DefaultGrepMaxResultFiles = 200

// SearchTrace records what the orchestrator actually did, for the
// caller to log (spec §4.3.5 point 4).
type SearchTrace struct {
	Engine       string        `json:"engine"`
	IndexHealth  state.Status  `json:"index_health"`
	FallbackUsed []string      `json:"fallback_used,omitempty"`
	Duration     time.Duration `json:"duration"`
	ResultCount  int           `json:"result_count"`
}

// ResultItem is one unified search result, regardless of which engine
// produced it.
type ResultItem struct {
	Path         string  `json:"path"`
	Score        float64 `json:"score"`
	Snippet      string  `json:"snippet"`
	MatchType    string  `json:"match_type"`    // "structure", "symbol", "text", "grep", "semantic"
	MatchQuality string  `json:"match_quality,omitempty"`
	Line         int     `json:"line,omitempty"`
}

// SearchResult is the full response to a search request.
type SearchResult struct {
	Items []ResultItem `json:"items"`
	Trace SearchTrace  `json:"trace"`
}

// Orchestrator wires together every search subsystem for one daemon
// instance.
type Orchestrator struct {
	symbolStore   *symbols.Store
	indexes       map[string]*fulltext.Index // project root -> index
	indexesMu     sync.Mutex
	registry      *state.Registry
	embedProvider semantic.Provider // nil if no embedding service configured
	vectorStore   *semantic.VectorStore
	grepMaxFiles  int
}

// New builds an Orchestrator. embedProvider may be nil, in which case
// semantic rerank and vector-only search are skipped (spec §4.3.4's
// "applied when embedding service is reachable").
func New(symbolStore *symbols.Store, registry *state.Registry, embedProvider semantic.Provider, vectorStore *semantic.VectorStore, grepMaxFiles int) *Orchestrator {
	if grepMaxFiles <= 0 {
		grepMaxFiles = DefaultGrepMaxResultFiles
	}
	return &Orchestrator{
		symbolStore:   symbolStore,
		indexes:       make(map[string]*fulltext.Index),
		registry:      registry,
		embedProvider: embedProvider,
		vectorStore:   vectorStore,
		grepMaxFiles:  grepMaxFiles,
	}
}

// ResolveProjectRoot implements spec §4.3.5 step 1: explicit argument >
// caller cwd > nearest ancestor containing .git > fail.
func ResolveProjectRoot(explicit, callerCwd string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	start := callerCwd
	if start == "" {
		var err error
		start, err = os.Getwd()
		if err != nil {
			return "", daemonerr.Wrap(daemonerr.ProjectPath, "resolve caller cwd", err)
		}
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.ProjectPath, "resolve absolute path", err)
	}
	for {
		if info, statErr := os.Stat(filepath.Join(dir, ".git")); statErr == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", daemonerr.New(daemonerr.ProjectPath, "no .git ancestor found")
		}
		dir = parent
	}
}

func (o *Orchestrator) indexFor(projectRoot string) *fulltext.Index {
	o.indexesMu.Lock()
	defer o.indexesMu.Unlock()
	idx, ok := o.indexes[projectRoot]
	if !ok {
		idx = fulltext.New()
		o.indexes[projectRoot] = idx
	}
	return idx
}

// EnsureIndexed implements spec §4.3.5 step 2: if the project is
// already Ready/Stale, nothing happens; otherwise a background index
// build is (idempotently) kicked off and the caller is told to fall
// through to grep-only for this request.
func (o *Orchestrator) EnsureIndexed(ctx context.Context, projectRoot string) (health state.Status, fellThroughToGrep bool) {
	st := o.registry.Get(projectRoot)
	if st.Status == state.Ready || st.Status == state.Stale {
		return st.Status, false
	}
	if !o.registry.IsIndexing(projectRoot) {
		o.registry.MarkIndexingStarted(projectRoot)
		go o.buildIndex(projectRoot)
	}
	return state.Indexing, true
}

func (o *Orchestrator) buildIndex(projectRoot string) {
	if _, err := o.symbolStore.IndexProject(projectRoot); err != nil {
		// reset to NotIndexed so the next EnsureIndexed starts a new build
		o.registry.Delete(projectRoot)
		return
	}
	idx := o.indexFor(projectRoot)
	for relPath, entry := range o.symbolStore.AllEntries(projectRoot) {
		content := readFileBestEffort(filepath.Join(projectRoot, relPath))
		idx.Upsert(fulltext.Document{
			Path:     relPath,
			Content:  content,
			Symbols:  joinSymbolNames(entry.Symbols),
			Language: symbolLanguage(entry.Symbols),
			Snippet:  entry.CachedSnippet,
		})
	}
	idx.Commit()
	o.registry.MarkIndexingComplete(projectRoot, o.symbolStore.FileCount(projectRoot))
}

func readFileBestEffort(absPath string) string {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return ""
	}
	return string(data)
}

func symbolLanguage(syms []symbols.Symbol) string {
	if len(syms) == 0 {
		return ""
	}
	return syms[0].Language
}

func joinSymbolNames(syms []symbols.Symbol) string {
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.Name
	}
	return strings.Join(names, " ")
}

// Search runs the full orchestration described in spec §4.3.5.
func (o *Orchestrator) Search(ctx context.Context, req protocol.SearchParams, callerCwd string) (SearchResult, error) {
	start := time.Now()
	var fallback []string

	projectRoot, err := ResolveProjectRoot(req.ProjectRootPath, callerCwd)
	if err != nil {
		return SearchResult{}, err
	}

	health, fellThrough := o.EnsureIndexed(ctx, projectRoot)

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = o.grepMaxFiles
	}

	if fellThrough {
		fallback = append(fallback, intendedEngine(req)+":not_ready", "grep")
		items, err := o.grepSearch(ctx, projectRoot, req.Query, maxResults)
		if err != nil {
			return SearchResult{}, err
		}
		return o.finish(items, "grep", health, fallback, start), nil
	}

	switch req.Profile {
	case protocol.ProfileStructureOnly:
		items := o.structureOnly(projectRoot)
		return o.finish(items, "structure", health, fallback, start), nil
	case protocol.ProfileSmartStructure:
		items := o.smartStructure(projectRoot, req.Query, maxResults)
		return o.finish(items, "smart_structure", health, fallback, start), nil
	}

	switch req.Mode {
	case protocol.SearchModeSymbol:
		items := o.symbolSearch(projectRoot, req.Query, maxResults)
		return o.finish(items, "symbol", health, fallback, start), nil
	case protocol.SearchModeStructure:
		items := o.structureOnly(projectRoot)
		return o.finish(items, "structure", health, fallback, start), nil
	default: // SearchModeText or unset
		items, engine, usedFallback, err := o.textSearchWithFallback(ctx, projectRoot, req.Query, maxResults)
		if err != nil {
			return SearchResult{}, err
		}
		fallback = append(fallback, usedFallback...)
		return o.finish(items, engine, health, fallback, start), nil
	}
}

// intendedEngine names the engine a request would have used had the
// index already been ready, for the cold-start fallback_chain entry
// (spec §8: the chain lists engines in the order actually attempted,
// including the one that could not run because the index wasn't
// ready yet).
func intendedEngine(req protocol.SearchParams) string {
	switch req.Profile {
	case protocol.ProfileStructureOnly:
		return "structure"
	case protocol.ProfileSmartStructure:
		return "smart_structure"
	}
	switch req.Mode {
	case protocol.SearchModeSymbol:
		return "symbol"
	case protocol.SearchModeStructure:
		return "structure"
	default:
		return "text"
	}
}

func (o *Orchestrator) finish(items []ResultItem, engine string, health state.Status, fallback []string, start time.Time) SearchResult {
	sortTieBreak(items)
	if len(fallback) == 0 {
		fallback = []string{engine}
	}
	return SearchResult{
		Items: items,
		Trace: SearchTrace{
			Engine:       engine,
			IndexHealth:  health,
			FallbackUsed: fallback,
			Duration:     time.Since(start),
			ResultCount:  len(items),
		},
	}
}

// textSearchWithFallback implements mode=text: multi-field parse with
// boosts; empty + grep viable -> grep fallback; empty + embedding
// available -> vector-only fallback. The returned engine name always
// equals the last (unsuffixed) entry of the returned chain: every
// attempt that ran but produced nothing is recorded with an ":empty"
// suffix, and the engine whose results are actually returned is the
// lone unsuffixed entry, always last.
func (o *Orchestrator) textSearchWithFallback(ctx context.Context, projectRoot, query string, maxResults int) ([]ResultItem, string, []string, error) {
	idx := o.indexFor(projectRoot)
	hits := idx.Query(query)

	if len(hits) > 0 {
		items := hitsToItems(hits, "text", "")
		if o.embedProvider != nil {
			if vec, err := o.embedProvider.Embed(ctx, query); err == nil {
				ranked := semantic.Rerank(hits, vec, o.vectorStore, projectRoot)
				items = rankedToItems(ranked, "text", "fulltext+semantic")
			}
		}
		return capItems(items, maxResults), "text", []string{"text"}, nil
	}

	chain := []string{"text:empty"}
	grepResults, err := grep.Search(ctx, projectRoot, query, o.grepMaxFiles)
	if err != nil {
		return nil, "", nil, err
	}
	if len(grepResults) > 0 {
		chain = append(chain, "grep")
		return capItems(grepToItems(grepResults), maxResults), "grep", chain, nil
	}

	if o.embedProvider != nil {
		vec, embErr := o.embedProvider.Embed(ctx, query)
		if embErr == nil {
			chain = append(chain, "grep:empty", "semantic")
			ranked := semantic.VectorOnlySearch(vec, o.vectorStore, projectRoot)
			return capItems(rankedToItems(ranked, "semantic", "vector"), maxResults), "semantic", chain, nil
		}
	}

	chain = append(chain, "grep")
	return nil, "grep", chain, nil
}

func (o *Orchestrator) grepSearch(ctx context.Context, projectRoot, query string, maxResults int) ([]ResultItem, error) {
	results, err := grep.Search(ctx, projectRoot, query, o.grepMaxFiles)
	if err != nil {
		return nil, err
	}
	return capItems(grepToItems(results), maxResults), nil
}

func (o *Orchestrator) symbolSearch(projectRoot, query string, maxResults int) []ResultItem {
	idx := o.indexFor(projectRoot)
	hits := idx.QuerySymbolsOnly(query)
	return capItems(hitsToItems(hits, "symbol", ""), maxResults)
}

// smartStructure ranks top-level modules/files against query keywords,
// runs symbol search on the chosen subset, merges with text search. The
// two index queries are independent reads against the same Full-Text
// Index and run concurrently.
func (o *Orchestrator) smartStructure(projectRoot, query string, maxResults int) []ResultItem {
	idx := o.indexFor(projectRoot)

	var symbolHits []fulltext.Hit
	var textHits []fulltext.Hit
	var g errgroup.Group
	g.Go(func() error {
		symbolHits = idx.QuerySymbolsOnly(query)
		return nil
	})
	g.Go(func() error {
		textHits = idx.Query(query)
		return nil
	})
	_ = g.Wait() // neither goroutine can return an error

	seen := make(map[string]bool)
	var items []ResultItem
	for _, h := range symbolHits {
		if seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		items = append(items, ResultItem{Path: h.Path, Score: h.Score, Snippet: h.Snippet, MatchType: "symbol"})
	}
	for _, h := range textHits {
		if seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		items = append(items, ResultItem{Path: h.Path, Score: h.Score, Snippet: h.Snippet, MatchType: "text"})
	}
	return capItems(items, maxResults)
}

func (o *Orchestrator) structureOnly(projectRoot string) []ResultItem {
	entries := o.symbolStore.AllEntries(projectRoot)
	items := make([]ResultItem, 0, len(entries))
	for relPath := range entries {
		items = append(items, ResultItem{Path: relPath, MatchType: "structure"})
	}
	return items
}

func hitsToItems(hits []fulltext.Hit, matchType, quality string) []ResultItem {
	items := make([]ResultItem, len(hits))
	for i, h := range hits {
		items[i] = ResultItem{Path: h.Path, Score: h.Score, Snippet: h.Snippet, MatchType: matchType, MatchQuality: quality}
	}
	return items
}

func rankedToItems(ranked []semantic.RankedHit, matchType, quality string) []ResultItem {
	items := make([]ResultItem, len(ranked))
	for i, r := range ranked {
		items[i] = ResultItem{Path: r.Path, Score: r.FinalScore, Snippet: r.Snippet, MatchType: matchType, MatchQuality: quality}
	}
	return items
}

func grepToItems(results []grep.Result) []ResultItem {
	items := make([]ResultItem, len(results))
	for i, r := range results {
		items[i] = ResultItem{
			Path:      r.Path,
			Score:     1.0,
			Snippet:   strings.Join(r.Context, "\n"),
			MatchType: "grep",
			Line:      r.LineNumber,
		}
	}
	return items
}

func capItems(items []ResultItem, maxResults int) []ResultItem {
	if maxResults > 0 && len(items) > maxResults {
		return items[:maxResults]
	}
	return items
}

// sortTieBreak orders by score, breaking ties by path closer to repo
// root first, then alphabetically. Modification time is not consulted:
// ResultItem carries none.
func sortTieBreak(items []ResultItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		di, dj := strings.Count(items[i].Path, "/"), strings.Count(items[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return items[i].Path < items[j].Path
	})
}
