package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/transport/httpapi"
)

func newTestDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	registry := dispatch.NewRegistry()
	registry.Register(protocol.ToolEnhanceContext, func(ctx context.Context, raw json.RawMessage) (protocol.CallToolResult, error) {
		var p protocol.EnhanceContextParams
		json.Unmarshal(raw, &p)
		return protocol.NewJSONResult(protocol.EnhanceContextResult{Original: p.Message, Enhanced: p.Message + "!"}), nil
	})
	srv := httpapi.New(registry, "test", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestRunSucceedsAndPrintsResponse(t *testing.T) {
	ts := newTestDaemon(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-addr", ts.URL, "-tool", "enhance_context", "-params", `{"message":"hi"}`}, nil, &stdout, &stderr)

	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), `"success": true`)
	assert.Contains(t, stdout.String(), "hi!")
}

func TestRunReadsParamsFromStdinWhenFlagOmitted(t *testing.T) {
	ts := newTestDaemon(t)

	var stdout, stderr bytes.Buffer
	stdin := strings.NewReader(`{"message":"from stdin"}`)
	code := run([]string{"-addr", ts.URL, "-tool", "enhance_context"}, stdin, &stdout, &stderr)

	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "from stdin!")
}

func TestRunFailsWithoutToolFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-addr", "http://127.0.0.1:1"}, nil, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-tool is required")
}

func TestRunFailsOnUnreachableDaemon(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-addr", "http://127.0.0.1:1", "-tool", "enhance_context", "-params", "{}"}, nil, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "request failed")
}
