// Package httpapi implements Transport A (spec §4.1): a stateless
// request/response surface where one inbound HTTP request yields
// exactly one response on the same connection, plus the health probe
// and the Transport B upgrade entrypoint.
//
// Grounded on the teacher's net/http ServeMux + middleware-free handler
// style (internal/ai/mcp/server.go's plain http.HandlerFunc routing),
// adapted from the teacher's MCP-over-HTTP shape to this module's
// {tool, params} envelope (internal/protocol, internal/dispatch).
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/protocol"
)

// Server is Transport A.
type Server struct {
	registry  *dispatch.Registry
	startedAt time.Time
	version   string
	upgrade   http.HandlerFunc // Transport B's /ws handler, wired in from outside
}

// New builds a Transport A server. upgrade may be nil if Transport B is
// not enabled for this process.
func New(registry *dispatch.Registry, version string, upgrade http.HandlerFunc) *Server {
	return &Server{registry: registry, startedAt: time.Now(), version: version, upgrade: upgrade}
}

// Handler builds the mux spec §6 names: POST /mcp/execute, GET /health,
// GET /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/execute", s.handleExecute)
	mux.HandleFunc("/health", s.handleHealth)
	if s.upgrade != nil {
		mux.HandleFunc("/ws", s.upgrade)
	}
	return mux
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

type executeRequest struct {
	Tool   protocol.ToolName `json:"tool"`
	Params json.RawMessage   `json:"params"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxFrameBytes+1))
	if err != nil {
		writeJSON(w, http.StatusOK, protocol.Response{Success: false, Error: "failed to read request body"})
		return
	}
	if len(body) > protocol.MaxFrameBytes {
		writeJSON(w, http.StatusOK, protocol.Response{Success: false, Error: "request body exceeds 10MiB cap"})
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, protocol.Response{Success: false, Error: "invalid JSON body"})
		return
	}

	resp := s.registry.Dispatch(r.Context(), protocol.Request{Tool: req.Tool, Params: req.Params})
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write JSON response")
	}
}
