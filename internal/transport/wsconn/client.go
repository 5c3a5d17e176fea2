package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/daemonerr"
	"github.com/contextdev/contextd/internal/protocol"
)

// Client-side ping cadence and reconnect backoff bounds (spec §4.1:
// "ping every... 10s client-side", "exponential backoff reconnect
// 1s→30s cap reset on success").
const (
	ClientPingInterval = 10 * time.Second
	MinBackoff         = 1 * time.Second
	MaxBackoff         = 30 * time.Second
)

// Client is a Transport B client connection with automatic reconnect.
// It multiplexes many concurrent Call invocations over one underlying
// WebSocket connection, correlating requests to responses by UUID.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan protocol.Response
}

// NewClient builds a disconnected client for url (e.g. "ws://127.0.0.1:PORT/ws").
func NewClient(url string) *Client {
	return &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan protocol.Response),
	}
}

// Run maintains the connection until ctx is canceled, reconnecting with
// exponential backoff on every disconnect. Call it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Debug().Err(err).Str("url", c.url).Dur("backoff", backoff).Msg("transport B dial failed")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		ws.SetReadLimit(protocol.MaxFrameBytes)
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		backoff = MinBackoff

		pingDone := make(chan struct{})
		go c.pingLoop(ws, pingDone)

		c.readLoop(ws)
		close(pingDone)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.failAllPending()

		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > MaxBackoff {
		return MaxBackoff
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(ClientPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case FrameResponse:
			c.resolve(f.ID, f.Payload)
		case FrameConnected, FramePing, FramePong:
			// liveness / handshake frames, nothing to correlate.
		case FrameRequest:
			// server-initiated broadcast (e.g. a popup fan-out); Client
			// does not surface these, and Call only resolves responses.
		}
	}
}

func (c *Client) resolve(id string, payload json.RawMessage) {
	if id == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		resp = protocol.Response{Success: false, Error: "malformed response frame"}
	}
	ch <- resp
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan protocol.Response)
	c.mu.Unlock()

	resp := protocol.Response{Success: false, Error: daemonerr.New(daemonerr.DaemonUnreachable, "connection lost").Error()}
	for _, ch := range pending {
		ch <- resp
	}
}

// Call sends one request frame and waits for its correlated response,
// failing with a DaemonUnreachable error if the connection drops or ctx
// is canceled before the response arrives.
func (c *Client) Call(ctx context.Context, tool protocol.ToolName, params any) (protocol.Response, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return protocol.Response{}, daemonerr.New(daemonerr.DaemonUnreachable, "not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(Frame{Type: FrameRequest, ID: id, Tool: tool, Payload: body})
	if err != nil {
		c.removePending(id)
		return protocol.Response{}, fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	writeErr := ws.WriteMessage(websocket.TextMessage, frame)
	c.mu.Unlock()
	if writeErr != nil {
		c.removePending(id)
		return protocol.Response{}, daemonerr.Wrap(daemonerr.DaemonUnreachable, "write failed", writeErr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.removePending(id)
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}
