// Package popupsink adapts internal/popup.Coordinator's UISink
// dependency onto Transport B: showing a popup becomes a broadcast
// Frame to every connected editor client, and the editor's reply comes
// back in as an ordinary dispatched tool call ("popup_response") that
// this package turns into a Coordinator.Deliver call.
//
// Grounded on the teacher's pattern of routing one logical event
// through the existing hub/registry plumbing rather than opening a
// second side channel (internal/transport/wsconn.Hub.Broadcast,
// internal/dispatch.Registry).
package popupsink

import (
	"context"
	"encoding/json"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/popup"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/transport/wsconn"
)

// ToolPopupShow is the broadcast-only tool name a connected editor
// client is expected to render as a popup.
const ToolPopupShow protocol.ToolName = "popup_show"

// ToolPopupResponse is the tool name an editor client calls back with
// the user's reply.
const ToolPopupResponse protocol.ToolName = "popup_response"

// Sink broadcasts popup requests over a wsconn.Hub.
type Sink struct {
	hub *wsconn.Hub
}

// New builds a Sink bound to hub.
func New(hub *wsconn.Hub) *Sink {
	return &Sink{hub: hub}
}

type showPayload struct {
	ID                string   `json:"id"`
	Message           string   `json:"message"`
	PredefinedOptions []string `json:"predefined_options,omitempty"`
	IsMarkdown        bool     `json:"is_markdown,omitempty"`
}

// ShowPopup implements popup.UISink.
func (s *Sink) ShowPopup(ctx context.Context, req popup.Request) error {
	if s.hub.ConnectionCount() == 0 {
		return protocolNoClients{}
	}
	s.hub.Broadcast(ToolPopupShow, showPayload{
		ID:                req.ID,
		Message:           req.Message,
		PredefinedOptions: req.PredefinedOptions,
		IsMarkdown:        req.IsMarkdown,
	})
	return nil
}

type protocolNoClients struct{}

func (protocolNoClients) Error() string { return "no editor client connected" }

type responsePayload struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

// RegisterResponseHandler wires ToolPopupResponse into registry so an
// editor client's reply reaches coordinator.Deliver.
func RegisterResponseHandler(registry *dispatch.Registry, coordinator *popup.Coordinator) {
	registry.Register(ToolPopupResponse, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var p responsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return protocol.CallToolResult{}, err
		}
		if err := coordinator.Deliver(p.ID, popup.Response(p.Response)); err != nil {
			return protocol.NewErrorResult(err), nil
		}
		return protocol.NewTextResult("delivered"), nil
	})
}
