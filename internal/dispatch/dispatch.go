// Package dispatch implements the Tool Dispatcher (spec §4.1): a static
// name→handler registry with O(1) presence checks. Unknown tool names
// fail the request, not the connection.
//
// Grounded on the teacher's internal/ai/tools/registry.go ToolRegistry,
// generalized from a control-level gated tool list to the four
// top-level tools named by spec §6.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Handler processes one validated request payload and returns its result.
type Handler func(ctx context.Context, params json.RawMessage) (protocol.CallToolResult, error)

// Registry is the dispatcher's static name→handler map.
type Registry struct {
	handlers map[protocol.ToolName]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[protocol.ToolName]Handler)}
}

// Register installs a handler for a tool name, overwriting any prior
// registration — callers own call-order discipline at startup.
func (r *Registry) Register(name protocol.ToolName, h Handler) {
	r.handlers[name] = h
}

// Dispatch routes req to its handler, validates the envelope-level
// caps from spec §4.1, and converts the uniform {success,data,error}
// Response. Unknown tool names produce a failed Response, never an error
// that would tear down the caller's connection.
func (r *Registry) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	h, ok := r.handlers[req.Tool]
	if !ok {
		return errorResponse(daemonerr.New(daemonerr.InvalidParams, fmt.Sprintf("unknown tool: %s", req.Tool)))
	}

	if err := validate(req); err != nil {
		return errorResponse(err)
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		log.Error().Err(err).Str("tool", string(req.Tool)).Msg("tool handler failed")
		return errorResponse(err)
	}
	if result.IsError {
		text := ""
		if len(result.Content) > 0 {
			text = result.Content[0].Text
		}
		return protocol.Response{Success: false, Error: text}
	}
	return protocol.Response{Success: true, Data: result}
}

func validate(req protocol.Request) error {
	switch req.Tool {
	case protocol.ToolInteract:
		var p protocol.InteractParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return daemonerr.Wrap(daemonerr.InvalidParams, "malformed interact params", err)
		}
		if len(p.Message) > protocol.MaxInteractMessageSize {
			return daemonerr.New(daemonerr.InvalidParams, "message exceeds 1 MiB")
		}
		if len(p.PredefinedOptions) > protocol.MaxPredefinedOptions {
			return daemonerr.New(daemonerr.InvalidParams, "predefined_options exceeds 20")
		}
	case protocol.ToolMemory, protocol.ToolSearch, protocol.ToolEnhanceContext:
		// Schema validation beyond well-formed JSON is delegated to the
		// handler, which knows the action-specific shape.
	default:
		// Any other registered tool (e.g. the popup-reply channel
		// internal/popupsink installs on top of Transport B) gets no
		// envelope-level validation beyond "a handler exists", already
		// checked by the caller.
	}
	return nil
}

func errorResponse(err error) protocol.Response {
	return protocol.Response{Success: false, Error: err.Error()}
}
