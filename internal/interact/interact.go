// Package interact implements the Interaction Tool (spec §4.5): a thin
// orchestrator above the Popup Coordinator and the Change-Memory
// Tracker that injects auto-recalled context into the outgoing message,
// persists an InteractRecord on receipt, forwards any embedded
// CHANGE_REPORT to the Change-Memory Tracker, and appends a reminder
// line asking the AI to keep reporting future changes.
//
// Grounded on internal/popup.Coordinator for delegation and
// internal/memory/change's report parsing; the image-saving and
// multi-content-item reply shape follows protocol.CallToolResult's
// Content-item convention (internal/protocol).
package interact

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/history"
	"github.com/contextdev/contextd/internal/memory/change"
	"github.com/contextdev/contextd/internal/memory/curated"
	"github.com/contextdev/contextd/internal/popup"
	"github.com/contextdev/contextd/internal/protocol"
)

const (
	// DefaultTimeout and the clamp bounds mirror the Popup Coordinator's
	// configurable-per-install wait (spec §4.2).
	DefaultTimeout = 600 * time.Second
	MinTimeout     = 60 * time.Second
	MaxTimeout     = 3600 * time.Second

	// RecallLimit bounds how many curated/change entries are folded into
	// the outgoing message appendix.
	RecallLimit = 5

	// ReminderLine is appended to every returned content so the calling
	// AI keeps reporting future changes via [CHANGE_REPORT].
	ReminderLine = "Reminder: after making further code changes, include a [CHANGE_REPORT] block (type, files, symbols, summary) in your next message."
)

// Recaller is satisfied by both curated.Store and curated.FileBackend.
type Recaller interface {
	SmartRecall(ctx context.Context, query string, limit int, categories []string) ([]curated.RankedEntry, error)
}

// ChangeMemory is satisfied by *change.Tracker.
type ChangeMemory interface {
	FindRelevantChanges(ctx context.Context, filePaths []string, userIntent string, queryEmbedding []float32, limit int) ([]change.Record, error)
	RecordChange(ctx context.Context, changeType string, files, symbols []string, summary, userIntent string, embedding []float32) (string, error)
}

// ProjectResources bundles the per-project collaborators a call needs.
type ProjectResources struct {
	Curated Recaller
	Changes ChangeMemory
	History *history.Store
	TempDir string // <project>/.<app>/temp/images, pre-resolved by the caller
}

// ResourceResolver locates (lazily opening, if needed) the resources for
// a project root; callers adapt this to their daemon-wide registry.
type ResourceResolver func(projectPath string) (ProjectResources, error)

// Tool is the Interaction Tool.
type Tool struct {
	coordinator *popup.Coordinator
	resolve     ResourceResolver
	timeout     time.Duration
}

// New builds a Tool. timeout <= 0 uses DefaultTimeout; it is clamped to
// [MinTimeout, MaxTimeout].
func New(coordinator *popup.Coordinator, resolve ResourceResolver, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	return &Tool{coordinator: coordinator, resolve: resolve, timeout: timeout}
}

// Execute runs the full interact sequence for one InteractParams call.
func (t *Tool) Execute(ctx context.Context, params protocol.InteractParams) (protocol.CallToolResult, error) {
	res, resErr := t.resolve(params.ProjectPath)
	if resErr != nil {
		log.Warn().Err(resErr).Msg("interact: project resources unavailable, continuing without recall/history")
	}

	// CHANGE_REPORT blocks embedded in the incoming message are the AI
	// self-reporting what it just changed; forward them best-effort.
	if res.Changes != nil {
		for _, r := range change.ParseChangeReports(params.Message) {
			if _, err := res.Changes.RecordChange(ctx, r.Type, r.Files, r.Symbols, r.Summary, params.Message, nil); err != nil {
				log.Warn().Err(err).Msg("interact: failed to record change report")
			}
		}
	}

	outgoing := params.Message
	if recalled := t.autoRecall(ctx, res, params.Message); recalled != "" {
		outgoing = params.Message + "\n\n---\n**Recalled context:**\n" + recalled
	}

	resp, err := t.coordinator.Ask(ctx, outgoing, params.PredefinedOptions, params.IsMarkdown, t.timeout, nil)
	if err != nil {
		return protocol.NewErrorResult(err), nil
	}
	if resp.IsCancelled() {
		return protocol.NewErrorResult(daemonerr.New(daemonerr.PopupFailed, "user cancelled the request")), nil
	}

	structured := resp.Decode()

	record := history.Record{
		ID:                uuid.NewString(),
		Timestamp:         time.Now(),
		RequestMessage:    params.Message,
		PredefinedOptions: params.PredefinedOptions,
		UserResponse:      structured.UserInput,
		SelectedOptions:   structured.SelectedOptions,
		ProjectPath:       params.ProjectPath,
	}
	if res.History != nil {
		if err := res.History.Append(record); err != nil {
			log.Warn().Err(err).Msg("interact: failed to append history record")
		}
	}

	return buildResult(structured, res.TempDir), nil
}

// autoRecall pulls best-effort context from both memory subsystems.
// Any failure yields an empty string (spec §4.5 step 1: "best effort").
func (t *Tool) autoRecall(ctx context.Context, res ProjectResources, query string) string {
	var sb strings.Builder

	if res.Curated != nil {
		if entries, err := res.Curated.SmartRecall(ctx, query, RecallLimit, nil); err == nil {
			for _, e := range entries {
				fmt.Fprintf(&sb, "- [%s] %s\n", e.Category, e.Content)
			}
		} else {
			log.Debug().Err(err).Msg("interact: curated recall failed")
		}
	}

	if res.Changes != nil {
		if recs, err := res.Changes.FindRelevantChanges(ctx, nil, query, nil, RecallLimit); err == nil {
			for _, r := range recs {
				fmt.Fprintf(&sb, "- [%s] %s\n", r.Type, r.Summary)
			}
		} else {
			log.Debug().Err(err).Msg("interact: change recall failed")
		}
	}

	return sb.String()
}

func buildResult(s popup.StructuredResponse, tempDir string) protocol.CallToolResult {
	var content []protocol.Content
	var savedPaths []string

	for i, img := range s.Images {
		path, err := saveImage(tempDir, img, i)
		if err != nil {
			log.Warn().Err(err).Msg("interact: failed to save image")
			continue
		}
		savedPaths = append(savedPaths, path)
		content = append(content, protocol.Content{
			Type:     "image",
			MimeType: img.MediaType,
			Data:     img.DataBase64,
			Filename: filepath.Base(path),
		})
	}

	var text strings.Builder
	text.WriteString(s.UserInput)
	if len(s.SelectedOptions) > 0 {
		fmt.Fprintf(&text, "\nSelected options: %s", strings.Join(s.SelectedOptions, ", "))
	}
	if len(savedPaths) > 0 {
		fmt.Fprintf(&text, "\nSaved images: %s", strings.Join(savedPaths, ", "))
	}
	text.WriteString("\n\n" + ReminderLine)

	content = append(content, protocol.NewTextContent(text.String()))
	return protocol.CallToolResult{Content: content}
}

func saveImage(tempDir string, img popup.Image, idx int) (string, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "create image temp dir", err)
	}

	data, err := base64.StdEncoding.DecodeString(img.DataBase64)
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.InvalidParams, "malformed image base64", err)
	}

	ext := extensionForMediaType(img.MediaType)
	filename := fmt.Sprintf("interact_%d_%d.%s", time.Now().Unix(), idx, ext)
	path := filepath.Join(tempDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", daemonerr.Wrap(daemonerr.IoError, "write saved image", err)
	}
	return path, nil
}

func extensionForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

// ResolveTempDir locates <project>/.<app>/temp/images for projectRoot,
// falling back to the OS temp dir when projectRoot is empty (spec
// §4.5: "nearest .git ancestor of the daemon's cwd or a platform temp
// dir as fallback").
func ResolveTempDir(appName, projectRoot string) string {
	if projectRoot == "" {
		return filepath.Join(os.TempDir(), appName, "images")
	}
	return filepath.Join(projectRoot, "."+appName, "temp", "images")
}
