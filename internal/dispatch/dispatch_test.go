package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/protocol"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(protocol.ToolEnhanceContext, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		return protocol.NewTextResult("ok"), nil
	})

	resp := r.Dispatch(context.Background(), protocol.Request{Tool: protocol.ToolEnhanceContext, Params: json.RawMessage(`{}`)})
	assert.True(t, resp.Success)
}

func TestDispatchUnknownToolFails(t *testing.T) {
	r := NewRegistry()
	resp := r.Dispatch(context.Background(), protocol.Request{Tool: "no_such_tool", Params: json.RawMessage(`{}`)})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown tool")
}

func TestDispatchRejectsOversizedInteractMessage(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(protocol.ToolInteract, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		called = true
		return protocol.NewTextResult("ok"), nil
	})

	huge := strings.Repeat("a", protocol.MaxInteractMessageSize+1)
	params, _ := json.Marshal(protocol.InteractParams{Message: huge})
	resp := r.Dispatch(context.Background(), protocol.Request{Tool: protocol.ToolInteract, Params: params})

	assert.False(t, resp.Success)
	assert.False(t, called, "handler must not run when envelope validation fails")
}

func TestDispatchAllowsExtraRegisteredToolsWithoutEnvelopeValidation(t *testing.T) {
	r := NewRegistry()
	const customTool protocol.ToolName = "popup_response"
	var gotParams json.RawMessage
	r.Register(customTool, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		gotParams = raw
		return protocol.NewTextResult("delivered"), nil
	})

	resp := r.Dispatch(context.Background(), protocol.Request{Tool: customTool, Params: json.RawMessage(`{"id":"1","response":"yes"}`)})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"id":"1","response":"yes"}`, string(gotParams))
}

func TestDispatchConvertsHandlerErrorResultToFailedResponse(t *testing.T) {
	r := NewRegistry()
	r.Register(protocol.ToolSearch, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		return protocol.NewErrorResult(assertError("boom")), nil
	})

	resp := r.Dispatch(context.Background(), protocol.Request{Tool: protocol.ToolSearch, Params: json.RawMessage(`{}`)})
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Error)
}

type assertError string

func (e assertError) Error() string { return string(e) }
