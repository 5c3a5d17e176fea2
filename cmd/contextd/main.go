// Command contextd is the per-developer-machine daemon: it wires the
// Transport & Dispatch Plane, the Popup Coordinator, the Incremental
// Search Core, and the Memory Core into one process and serves both
// transports on a single bind address.
//
// Grounded on the teacher's cmd/pulse/main.go: a cobra root command,
// zerolog console output, a context canceled on SIGINT/SIGTERM, a
// background-started http.Server, and a bounded graceful shutdown.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/contextdev/contextd/internal/bootstrap"
	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/history"
	"github.com/contextdev/contextd/internal/interact"
	"github.com/contextdev/contextd/internal/memory/change"
	"github.com/contextdev/contextd/internal/memory/curated"
	"github.com/contextdev/contextd/internal/popup"
	"github.com/contextdev/contextd/internal/popupsink"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/search/orchestrator"
	"github.com/contextdev/contextd/internal/search/semantic"
	"github.com/contextdev/contextd/internal/search/state"
	"github.com/contextdev/contextd/internal/search/symbols"
	"github.com/contextdev/contextd/internal/search/watcher"
	"github.com/contextdev/contextd/internal/toolhandlers"
	"github.com/contextdev/contextd/internal/transport/httpapi"
	"github.com/contextdev/contextd/internal/transport/wsconn"
)

var (
	// Version is set at build time with -ldflags.
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "contextd",
	Short:   "contextd - local daemon brokering editor/AI popup, search, and memory tools",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("contextd %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// projectRegistry lazily opens and caches the per-project collaborators
// the Interaction Tool needs: a curated memory store and a change
// tracker sharing one sqlite file, and a JSON history snapshot, all
// rooted under <dataDir>/projects/<hash of project path>.
type projectRegistry struct {
	dataDir string
	appName string

	mu    sync.Mutex
	cache map[string]interact.ProjectResources
}

func newProjectRegistry(dataDir, appName string) *projectRegistry {
	return &projectRegistry{dataDir: dataDir, appName: appName, cache: make(map[string]interact.ProjectResources)}
}

func (p *projectRegistry) dirFor(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return filepath.Join(p.dataDir, "projects", hex.EncodeToString(sum[:])[:16])
}

func (p *projectRegistry) resolve(projectPath string) (interact.ProjectResources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, ok := p.cache[projectPath]; ok {
		return res, nil
	}

	dir := p.dirFor(projectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return interact.ProjectResources{}, err
	}

	curatedStore, err := curated.Open(filepath.Join(dir, "memory.db"), projectPath)
	if err != nil {
		return interact.ProjectResources{}, err
	}
	changeTracker, err := change.Open(curatedStore.DB(), projectPath)
	if err != nil {
		return interact.ProjectResources{}, err
	}
	histStore, err := history.Open(filepath.Join(dir, "history.json"))
	if err != nil {
		return interact.ProjectResources{}, err
	}

	res := interact.ProjectResources{
		Curated: curatedStore,
		Changes: changeTracker,
		History: histStore,
		TempDir: interact.ResolveTempDir(p.appName, projectPath),
	}
	p.cache[projectPath] = res
	return res, nil
}

func (p *projectRegistry) memoryStore(projectPath string) (*curated.Store, error) {
	res, err := p.resolve(projectPath)
	if err != nil {
		return nil, err
	}
	return res.Curated.(*curated.Store), nil
}

func runDaemon() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	settings, err := bootstrap.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	lock, err := bootstrap.AcquireInstanceLock(filepath.Join(settings.DataDir, "contextd.lock"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to acquire instance lock, is another contextd already running against this data directory?")
	}
	defer lock.Release()

	log.Info().Str("bind", fmt.Sprintf("%s:%d", settings.BindHost, settings.BindPort)).Msg("starting contextd")

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbolStore := symbols.NewStore(filepath.Join(settings.CacheDir, "symbols"))
	stateRegistry := state.NewRegistry(filepath.Join(settings.CacheDir, "index-state.json"))

	var embedProvider semantic.Provider
	var vectorStore *semantic.VectorStore
	if settings.EmbeddingProvider != "" && settings.EmbeddingAPIKey != "" {
		raw := semantic.NewOpenAICompatibleProvider(settings.EmbeddingAPIKey, settings.EmbeddingModel, "", 1536, 30*time.Second)
		cached, err := semantic.OpenCache(raw, filepath.Join(settings.CacheDir, "embeddings.db"), 7*24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open embedding cache, semantic search disabled")
		} else {
			embedProvider = cached
			vectorStore = semantic.NewVectorStore()
		}
	}

	orch := orchestrator.New(symbolStore, stateRegistry, embedProvider, vectorStore, settings.GrepMaxResultFiles)

	fileWatcher, err := watcher.New(symbolStore)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start file watcher, index will not auto-refresh")
	}

	registry := dispatch.NewRegistry()
	registry.Register(protocol.ToolSearch, watchedSearch(orch, fileWatcher))
	registry.Register(protocol.ToolEnhanceContext, toolhandlers.EnhanceContext())

	projects := newProjectRegistry(settings.DataDir, bootstrap.AppName)
	registry.Register(protocol.ToolMemory, toolhandlers.Memory(projects.memoryStore))

	hub := wsconn.NewHub(registry)
	sink := popupsink.New(hub)
	coordinator := popup.New(sink)
	popupsink.RegisterResponseHandler(registry, coordinator)

	interactTool := interact.New(coordinator, projects.resolve, settings.PopupTimeout)
	registry.Register(protocol.ToolInteract, func(c context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var params protocol.InteractParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return protocol.CallToolResult{}, err
		}
		return interactTool.Execute(c, params)
	})

	srv := httpapi.New(registry, Version, hub.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", settings.BindHost, settings.BindPort),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Transport B holds connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if fileWatcher != nil {
		_ = fileWatcher.Close()
	}
	cancel()
	log.Info().Msg("stopped")
}

// watchedSearch decorates toolhandlers.Search so the first search
// against a project root also registers it with the file watcher,
// keeping the Unified Symbol Store fresh for subsequent calls.
func watchedSearch(orch *orchestrator.Orchestrator, w *watcher.Watcher) dispatch.Handler {
	base := toolhandlers.Search(orch)
	seen := make(map[string]bool)
	var mu sync.Mutex

	return func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var params protocol.SearchParams
		if err := json.Unmarshal(raw, &params); err == nil && w != nil {
			if root, rerr := orchestrator.ResolveProjectRoot(params.ProjectRootPath, ""); rerr == nil {
				mu.Lock()
				if !seen[root] {
					seen[root] = true
					mu.Unlock()
					if err := w.AddProject(root); err != nil {
						log.Warn().Err(err).Str("root", root).Msg("failed to watch project root")
					}
				} else {
					mu.Unlock()
				}
			}
		}
		return base(ctx, raw)
	}
}
