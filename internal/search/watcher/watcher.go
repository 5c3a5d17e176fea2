// Package watcher implements the File Watcher (spec §4.3.6): one
// fsnotify watcher per daemon, recursively registered per project root,
// debouncing raw events in a map<path, last_seen_instant> and emitting
// only paths quiet for >=500ms and matching the code-extension allow-list.
//
// Grounded on the teacher's go.mod fsnotify dependency, otherwise
// unexercised in the retrieved slice of the corpus; the debounce-then-
// drain loop follows the same "periodic drain of a dirty map" shape as
// internal/ai/investigation/store.go's debounced-save goroutine.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/search/symbols"
)

var denyDirs = map[string]bool{
	".git": true, "target": true, "node_modules": true, "dist": true,
	"build": true, "vendor": true, "__pycache__": true,
}

// DebounceWindow is the quiet period a path must clear before being
// emitted (spec §4.3.6).
const DebounceWindow = 500 * time.Millisecond

// PollInterval is how often the debounced queue is drained.
const PollInterval = 250 * time.Millisecond

// Invalidator is the downstream consumer notified of settled changes,
// satisfied by *symbols.Store.
type Invalidator interface {
	InvalidateFile(root, relPath string)
}

// Watcher recursively watches registered project roots and feeds
// settled, code-file changes to an Invalidator.
type Watcher struct {
	fsw         *fsnotify.Watcher
	invalidator Invalidator

	mu      sync.Mutex
	pending map[string]time.Time // absolute path -> last seen instant
	roots   map[string]string    // watched dir -> owning project root

	done chan struct{}
}

// New builds a Watcher. Call Close when done.
func New(invalidator Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:         fsw,
		invalidator: invalidator,
		pending:     make(map[string]time.Time),
		roots:       make(map[string]string),
		done:        make(chan struct{}),
	}
	go w.eventLoop()
	go w.drainLoop()
	return w, nil
}

// AddProject recursively registers every directory under root with the
// underlying fsnotify watcher (which is not itself recursive), honoring
// the same deny-list the Unified Symbol Store applies.
func (w *Watcher) AddProject(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if denyDirs[base] || (strings.HasPrefix(base, ".") && base != ".") {
			return filepath.SkipDir
		}
		if addErr := w.addDir(path, root); addErr != nil {
			log.Warn().Err(addErr).Str("dir", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) addDir(dir, projectRoot string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.roots[dir] = projectRoot
	w.mu.Unlock()
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !symbols.IsCodeFile(ev.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) drainLoop() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.drainSettled()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) drainSettled() {
	now := time.Now()
	w.mu.Lock()
	var settled []string
	for path, lastSeen := range w.pending {
		if now.Sub(lastSeen) >= DebounceWindow {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	roots := make(map[string]string, len(w.roots))
	for k, v := range w.roots {
		roots[k] = v
	}
	w.mu.Unlock()

	for _, path := range settled {
		projectRoot := w.projectRootFor(path, roots)
		if projectRoot == "" {
			continue
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			continue
		}
		w.invalidator.InvalidateFile(projectRoot, filepath.ToSlash(rel))
	}
}

func (w *Watcher) projectRootFor(path string, roots map[string]string) string {
	dir := filepath.Dir(path)
	best := ""
	for watchedDir, root := range roots {
		if dir == watchedDir || isUnder(dir, watchedDir) {
			if len(watchedDir) > len(best) {
				best = root
			}
		}
	}
	return best
}

func isUnder(dir, ancestor string) bool {
	rel, err := filepath.Rel(ancestor, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "." && !startsWithDotDot(rel)
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// Close shuts down the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
