// Package grep implements the Grep Fallback (spec §4.3.3): a streamed,
// terminable line-scan bounded by wall clock and result-file count. It
// skips the Symbol Extractor's built-in deny-list directories and every
// hidden directory, and scans only files symbols.IsCodeFile accepts;
// .gitignore patterns are not applied.
//
// Grounded on the teacher's pattern of bounding expensive scans with a
// context deadline rather than a manual stopwatch (e.g. context.Context
// propagation through internal/ai/chat service calls); the actual scan
// loop is new to this domain since the pack has no text-search
// component to imitate — see DESIGN.md.
package grep

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/contextdev/contextd/internal/search/symbols"
)

// WallClockCap is the hard 5s time budget for a grep pass (spec §4.3.3).
const WallClockCap = 5 * time.Second

// ContextLines is the number of lines of context kept around a match.
const ContextLines = 3

// Result is one grep match.
type Result struct {
	Path        string
	LineNumber  int
	MatchedText string
	Context     []string // ±ContextLines lines, in order, including the match
}

// Search scans root for query (case-insensitive substring match),
// honoring a deadline of WallClockCap and a caller-configurable
// maxResultFiles cap. It is cooperatively terminable via ctx.
func Search(ctx context.Context, root, query string, maxResultFiles int) ([]Result, error) {
	if maxResultFiles <= 0 {
		maxResultFiles = 200
	}

	deadline := time.Now().Add(WallClockCap)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	lowerQuery := strings.ToLower(query)
	var results []Result
	filesMatched := 0

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return filepath.SkipAll
		default:
		}
		if filesMatched >= maxResultFiles {
			return filepath.SkipAll
		}
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if isDeniedDir(base) {
				return filepath.SkipDir
			}
			return nil
		}
		if !symbols.IsCodeFile(path) {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		hit, found := scanFile(path, lowerQuery)
		if found {
			hit.Path = rel
			results = append(results, hit)
			filesMatched++
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return results, fmt.Errorf("grep walk %q: %w", root, walkErr)
	}
	return results, nil
}

func isDeniedDir(base string) bool {
	switch base {
	case ".git", "target", "node_modules", "dist", "build", "vendor", "__pycache__":
		return true
	}
	return strings.HasPrefix(base, ".") && base != "."
}

func scanFile(path, lowerQuery string) (Result, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), lowerQuery) {
			start := i - ContextLines
			if start < 0 {
				start = 0
			}
			end := i + ContextLines
			if end >= len(lines) {
				end = len(lines) - 1
			}
			return Result{
				LineNumber:  i + 1,
				MatchedText: line,
				Context:     append([]string(nil), lines[start:end+1]...),
			}, true
		}
	}
	return Result{}, false
}
