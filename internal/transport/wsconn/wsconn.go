// Package wsconn implements Transport B (spec §4.1): a framed,
// persistent, bidirectional WebSocket channel multiplexing many
// concurrent {tool, params} requests over one connection, correlated by
// a per-request UUID.
//
// Grounded on the teacher's internal/agentexec.Server — gorilla/websocket
// upgrade with origin checking, a request-id-keyed map of response
// channels guarded by a mutex, a server-side ping loop closing the
// connection after consecutive ping failures, and per-connection write
// serialization via a dedicated mutex. Adapted from that package's
// fire-one-command/await-one-result shape to this module's
// always-multiplexed frame protocol.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/protocol"
)

// FrameType enumerates the wire frame kinds (spec §4.1).
type FrameType string

const (
	FrameRequest   FrameType = "request"
	FrameResponse  FrameType = "response"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"
	FrameConnected FrameType = "connected"
	FrameError     FrameType = "error"
)

// Frame is the envelope carried by every WebSocket text message.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Tool    protocol.ToolName `json:"tool,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	// ServerPingInterval is how often the server sends a ping frame to a
	// connected client (spec §4.1: "ping every 15s server-side").
	ServerPingInterval = 15 * time.Second
	// DeadConnectionThreshold is how long the server waits without a pong
	// before declaring a connection dead.
	DeadConnectionThreshold = 35 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     isAllowedOrigin,
}

// isAllowedOrigin mirrors the same-origin-or-absent check local tool
// clients rely on: non-browser clients usually omit Origin entirely.
func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return normalizeHost(parsed.Host) == normalizeHost(r.Host)
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "80" || port == "443" {
		return h
	}
	return net.JoinHostPort(h, port)
}

// conn is one accepted Transport B connection.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	doneOne sync.Once
}

func (c *conn) close() {
	c.doneOne.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writeFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Hub accepts Transport B connections and dispatches their request
// frames through a shared dispatch.Registry.
type Hub struct {
	registry *dispatch.Registry

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewHub builds a Hub bound to registry.
func NewHub(registry *dispatch.Registry) *Hub {
	return &Hub{registry: registry, conns: make(map[*conn]struct{})}
}

// Handler returns an http.HandlerFunc suitable for wiring into Transport
// A's /ws route.
func (h *Hub) Handler() http.HandlerFunc {
	return h.handleUpgrade
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("transport B upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)

	c := &conn{ws: ws, done: make(chan struct{})}
	h.register(c)
	defer h.unregister(c)

	deadline := time.Now().Add(DeadConnectionThreshold)
	ws.SetReadDeadline(deadline)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(DeadConnectionThreshold))
	})

	if err := c.writeFrame(Frame{Type: FrameConnected}); err != nil {
		log.Debug().Err(err).Msg("failed to send connected frame")
		return
	}

	pingDone := make(chan struct{})
	go h.pingLoop(c, pingDone)
	defer close(pingDone)

	h.readLoop(r.Context(), c)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) pingLoop(c *conn, done chan struct{}) {
	ticker := time.NewTicker(ServerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("transport B ping failed, closing connection")
				c.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("transport B connection closed unexpectedly")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			_ = c.writeFrame(Frame{Type: FrameError, Payload: json.RawMessage(`"malformed frame"`)})
			continue
		}

		switch f.Type {
		case FrameRequest:
			go h.handleRequest(ctx, c, f)
		case FramePong:
			// handled by ws.SetPongHandler for control-frame pongs; a
			// text-frame pong is treated the same for liveness purposes.
		default:
			_ = c.writeFrame(Frame{Type: FrameError, ID: f.ID, Payload: json.RawMessage(fmt.Sprintf("%q", "unsupported frame type: "+f.Type))})
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, c *conn, f Frame) {
	resp := h.registry.Dispatch(ctx, protocol.Request{Tool: f.Tool, Params: f.Payload})
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal transport B response")
		return
	}
	if err := c.writeFrame(Frame{Type: FrameResponse, ID: f.ID, Payload: body}); err != nil {
		log.Debug().Err(err).Str("id", f.ID).Msg("failed to write transport B response")
	}
}

// Broadcast sends an unsolicited request frame, carrying a fresh id, to
// every connected client — used by the Popup Coordinator to fan a popup request out to
// every connected editor window.
func (h *Hub) Broadcast(tool protocol.ToolName, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast payload")
		return
	}
	f := Frame{Type: FrameRequest, ID: uuid.New().String(), Tool: tool, Payload: body}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeFrame(f); err != nil {
			log.Debug().Err(err).Msg("broadcast write failed")
		}
	}
}

// ConnectionCount reports the number of currently connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
