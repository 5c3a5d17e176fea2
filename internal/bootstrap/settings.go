// Package bootstrap resolves the daemon's own process settings: bind
// address, cache/data roots, and popup/embedding tunables. Per spec §1
// this is deliberately thin — configuration-file hot-reload is an
// explicit non-goal, so there is no watcher here, just a one-shot load
// at process start the way a short-lived tool-client would expect.
//
// Grounded on the teacher's cmd/pulse/main.go, which loads a .env file
// with godotenv before constructing its Config; we keep that shape and
// drop the multi-tenant persistence and hot-reload machinery that
// belongs to the teacher's own domain.
package bootstrap

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AppName is used to namespace well-known cache/data directories
// (spec §6 "Persisted state layout").
const AppName = "contextd"

// Settings is the snapshot the daemon core consumes (spec §1: "the core
// consumes from [the shell] only a settings snapshot").
type Settings struct {
	BindHost string
	BindPort int

	CacheDir string // <cache>/<app>
	DataDir  string // <data>/<app>

	PopupTimeout time.Duration // default 600s, clamped [60s,3600s]

	EmbeddingProvider string
	EmbeddingAPIKey   string
	EmbeddingModel    string

	GrepMaxResultFiles int
}

// Load reads an optional .env file (if present in the working
// directory) then environment variables, applying defaults for
// anything unset.
func Load() (*Settings, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("failed to load .env, continuing with process environment")
		}
	}

	s := &Settings{
		BindHost:           "127.0.0.1",
		BindPort:           15177,
		PopupTimeout:       600 * time.Second,
		GrepMaxResultFiles: 200,
	}

	if v := os.Getenv("CONTEXTD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.BindPort = p
		}
	}
	if v := os.Getenv("CONTEXTD_POPUP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PopupTimeout = clampPopupTimeout(time.Duration(n) * time.Second)
		}
	} else {
		s.PopupTimeout = clampPopupTimeout(s.PopupTimeout)
	}

	s.CacheDir = envOrDefault("CONTEXTD_CACHE_DIR", defaultCacheDir())
	s.DataDir = envOrDefault("CONTEXTD_DATA_DIR", defaultDataDir())

	s.EmbeddingProvider = firstNonEmpty(os.Getenv("CONTEXTD_EMBEDDING_PROVIDER"), os.Getenv("APP_EMBEDDING_PROVIDER"))
	s.EmbeddingAPIKey = firstNonEmpty(os.Getenv("CONTEXTD_EMBEDDING_API_KEY"), os.Getenv("APP_EMBEDDING_API_KEY"))
	s.EmbeddingModel = firstNonEmpty(os.Getenv("CONTEXTD_EMBEDDING_MODEL"), os.Getenv("APP_EMBEDDING_MODEL"))

	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return nil, err
	}

	return s, nil
}

func clampPopupTimeout(d time.Duration) time.Duration {
	if d < 60*time.Second {
		return 60 * time.Second
	}
	if d > 3600*time.Second {
		return 3600 * time.Second
	}
	return d
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, AppName)
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(home, ".local", "share", AppName)
}
