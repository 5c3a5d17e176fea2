// Package toolhandlers adapts the Search Orchestrator and the two
// Memory Core subsystems into dispatch.Handler functions, the glue
// cmd/contextd registers into the Tool Dispatcher (spec §6).
//
// Grounded on the teacher's internal/ai/tools handler-per-tool
// convention: one function per tool name, each decoding its own params
// type and returning a protocol.CallToolResult.
package toolhandlers

import (
	"context"
	"encoding/json"
	"os"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/memory/curated"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/search/orchestrator"
)

// Search builds the ToolSearch handler.
func Search(orch *orchestrator.Orchestrator) func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
	return func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var params protocol.SearchParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return protocol.CallToolResult{}, daemonerr.Wrap(daemonerr.InvalidParams, "malformed search params", err)
		}
		cwd, _ := os.Getwd()
		result, err := orch.Search(ctx, params, cwd)
		if err != nil {
			return protocol.NewErrorResult(err), nil
		}
		return protocol.NewJSONResult(result), nil
	}
}

// EnhanceContext builds the ToolEnhanceContext handler. Enhancement is
// a pass-through; this module does not own a prompt rewriting model, so
// the enhanced text is the message unchanged.
func EnhanceContext() func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
	return func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var params protocol.EnhanceContextParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return protocol.CallToolResult{}, daemonerr.Wrap(daemonerr.InvalidParams, "malformed enhance_context params", err)
		}
		enhanced := params.Message
		return protocol.NewJSONResult(protocol.EnhanceContextResult{Original: params.Message, Enhanced: enhanced}), nil
	}
}

// MemoryResolver opens (or creates) the curated store for a project
// root, shared with the daemon's project registry so repeated calls
// reuse one open *sql.DB per project.
type MemoryResolver func(projectPath string) (*curated.Store, error)

// Memory builds the ToolMemory handler covering spec §4.4.1's
// operations (add/delete/update/list/record_usage/smart_recall, named
// remember/delete/update/list/recall over the wire) plus a convenience
// get and the export/import round trip (spec §8). git_scan and
// analyze have no grounding in this module's scope (see DESIGN.md) and
// fail cleanly with InvalidParams rather than silently no-opping.
func Memory(resolve MemoryResolver) func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
	return func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var params protocol.MemoryParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return protocol.CallToolResult{}, daemonerr.Wrap(daemonerr.InvalidParams, "malformed memory params", err)
		}

		store, err := resolve(params.ProjectPath)
		if err != nil {
			return protocol.CallToolResult{}, err
		}

		switch params.Action {
		case protocol.MemoryRemember:
			id, err := store.Add(ctx, params.Content, curated.Category(params.Category))
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewJSONResult(map[string]string{"id": id}), nil

		case protocol.MemoryDelete:
			ok, err := store.Delete(ctx, params.ID)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewJSONResult(map[string]bool{"deleted": ok}), nil

		case protocol.MemoryUpdate:
			ok, err := store.Update(ctx, params.ID, params.Content)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewJSONResult(map[string]bool{"updated": ok}), nil

		case protocol.MemoryList:
			page, err := store.List(ctx, params.Category, params.Page, params.PageSize)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewJSONResult(page), nil

		case protocol.MemoryGet:
			// List has no by-id lookup; page through with a page size
			// large enough to cover any realistic project memory set.
			page, err := store.List(ctx, "", 1, 100000)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			for _, e := range page.Items {
				if e.ID == params.ID {
					return protocol.NewJSONResult(e), nil
				}
			}
			return protocol.NewErrorResult(daemonerr.New(daemonerr.InvalidParams, "no memory with that id")), nil

		case protocol.MemoryExport:
			entries, err := store.Export(ctx)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			if params.Format == "markdown" {
				return protocol.NewTextResult(curated.ExportMarkdown(params.ProjectPath, entries)), nil
			}
			out, err := curated.ExportJSON(params.ProjectPath, entries)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewTextResult(out), nil

		case protocol.MemoryImport:
			n, err := store.Import(ctx, params.Data)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			return protocol.NewJSONResult(map[string]int{"imported": n}), nil

		case protocol.MemoryRecall:
			var categories []string
			if params.Category != "" {
				categories = []string{params.Category}
			}
			ranked, err := store.SmartRecall(ctx, params.Context, 0, categories)
			if err != nil {
				return protocol.NewErrorResult(err), nil
			}
			for _, r := range ranked {
				_ = store.RecordUsage(ctx, r.ID)
			}
			return protocol.NewJSONResult(ranked), nil

		default:
			return protocol.NewErrorResult(daemonerr.New(daemonerr.InvalidParams, "unsupported memory action: "+string(params.Action))), nil
		}
	}
}
