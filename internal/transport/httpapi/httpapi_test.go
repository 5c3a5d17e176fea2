package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/protocol"
)

func newTestServer() *Server {
	registry := dispatch.NewRegistry()
	registry.Register(protocol.ToolEnhanceContext, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var p protocol.EnhanceContextParams
		json.Unmarshal(raw, &p)
		return protocol.NewJSONResult(protocol.EnhanceContextResult{Original: p.Message, Enhanced: p.Message + " [enhanced]"}), nil
	})
	return New(registry, "test-version", nil)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test-version", h.Version)
}

func TestExecuteEndpointDispatchesToRegisteredTool(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(executeRequest{Tool: protocol.ToolEnhanceContext, Params: json.RawMessage(`{"message":"hi"}`)})
	resp, err := http.Post(ts.URL+"/mcp/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var r protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.True(t, r.Success)
}

func TestExecuteEndpointUnknownToolFailsRequestNotConnection(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(executeRequest{Tool: "nonexistent", Params: json.RawMessage(`{}`)})
	resp, err := http.Post(ts.URL+"/mcp/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var r protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.False(t, r.Success)
}

func TestExecuteEndpointRejectsOversizedBody(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	oversized := strings.Repeat("a", protocol.MaxFrameBytes+10)
	resp, err := http.Post(ts.URL+"/mcp/execute", "application/json", strings.NewReader(oversized))
	require.NoError(t, err)
	defer resp.Body.Close()

	var r protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.False(t, r.Success)
}

func TestExecuteEndpointRejectsWrongMethod(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mcp/execute")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
