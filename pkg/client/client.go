// Package client is the thin forwarder embedded by the tool-client
// binary and, in-process, by any Go caller that wants to reach a
// running daemon without hand-rolling the wire format.
//
// It prefers Transport B (internal/transport/wsconn), which stays
// connected and answers a warm call in well under the stateless
// HTTP round trip, and falls back to Transport A's one-shot
// /mcp/execute endpoint when no persistent connection is available or
// the daemon does not expose one. Grounded on the teacher's
// internal/ai/opencode.Client (baseURL + http.Client wrapper) for the
// HTTP side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/transport/wsconn"
)

// Client forwards tool calls to a daemon over whichever transport is
// available, preferring the persistent one once connected.
type Client struct {
	httpBaseURL string
	httpClient  *http.Client
	ws          *wsconn.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPTimeout overrides the default HTTP request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New builds a Client against httpBaseURL (e.g. "http://127.0.0.1:8765"),
// the Transport A address every daemon always exposes.
func New(httpBaseURL string, opts ...Option) *Client {
	c := &Client{
		httpBaseURL: strings.TrimSuffix(httpBaseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConnectPersistent starts a Transport B connection in the background
// and returns immediately; Run keeps reconnecting until ctx is done.
// Call returns the persistent session once it first comes up and will
// keep using it (warm path) instead of falling back to HTTP.
func (c *Client) ConnectPersistent(ctx context.Context, wsURL string) {
	c.ws = wsconn.NewClient(wsURL)
	go c.ws.Run(ctx)
}

// Call executes one tool call, returning the decoded envelope.
func (c *Client) Call(ctx context.Context, tool protocol.ToolName, params any) (protocol.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal params: %w", err)
	}

	if c.ws != nil && c.ws.Connected() {
		return c.ws.Call(ctx, tool, raw)
	}
	return c.callHTTP(ctx, tool, raw)
}

type executeRequest struct {
	Tool   protocol.ToolName `json:"tool"`
	Params json.RawMessage   `json:"params"`
}

func (c *Client) callHTTP(ctx context.Context, tool protocol.ToolName, params json.RawMessage) (protocol.Response, error) {
	body, err := json.Marshal(executeRequest{Tool: tool, Params: params})
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBaseURL+"/mcp/execute", bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxFrameBytes))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}

	var envelope protocol.Response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return envelope, nil
}

// Health probes Transport A's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// Connected reports whether the persistent Transport B session is up.
func (c *Client) Connected() bool {
	return c.ws != nil && c.ws.Connected()
}
