// Package protocol defines the wire types shared by Transport A, Transport
// B, and the Tool Dispatcher: the four tool names, their tagged request
// payloads, and the uniform {success, data, error} response envelope.
//
// Grounded on the teacher's internal/ai/tools/protocol.go and
// internal/ai/mcp/data_types.go, which define an analogous
// Request/Response/CallToolResult/Content shape for an MCP-style tool
// surface.
package protocol

import "encoding/json"

// ToolName enumerates the four tools the dispatcher routes by name.
type ToolName string

const (
	ToolInteract       ToolName = "interact"
	ToolMemory         ToolName = "memory"
	ToolSearch         ToolName = "search"
	ToolEnhanceContext ToolName = "enhance_context"
)

// Request is the tagged payload carried by both transports.
type Request struct {
	Tool   ToolName        `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// Response is the uniform envelope every handler result is converted
// into at the transport edge.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Content is one item of a CallToolResult — text or an embedded image.
type Content struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, images only
	Filename string `json:"filename,omitempty"`
}

// CallToolResult is what every tool handler returns; the transport
// layer wraps it into Response.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// NewTextContent builds a plain text content item.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// NewTextResult builds a successful single-text-item result.
func NewTextResult(text string) CallToolResult {
	return CallToolResult{Content: []Content{NewTextContent(text)}}
}

// NewErrorResult builds an error result carrying err's message as text.
func NewErrorResult(err error) CallToolResult {
	return CallToolResult{Content: []Content{NewTextContent(err.Error())}, IsError: true}
}

// NewJSONResult marshals data to JSON and wraps it as a text content item.
func NewJSONResult(data any) CallToolResult {
	b, err := json.Marshal(data)
	if err != nil {
		return NewErrorResult(err)
	}
	return CallToolResult{Content: []Content{NewTextContent(string(b))}}
}

// InteractParams is the params payload for ToolInteract.
type InteractParams struct {
	Message            string   `json:"message"`
	PredefinedOptions  []string `json:"predefined_options,omitempty"`
	IsMarkdown         bool     `json:"is_markdown,omitempty"`
	ProjectPath        string   `json:"project_path,omitempty"`
}

// MemoryAction enumerates the memory tool's actions.
type MemoryAction string

const (
	MemoryRemember MemoryAction = "remember"
	MemoryRecall   MemoryAction = "recall"
	MemoryDelete   MemoryAction = "delete"
	MemoryUpdate   MemoryAction = "update"
	MemoryList     MemoryAction = "list"
	MemoryGet      MemoryAction = "get"
	MemoryExport   MemoryAction = "export"
	MemoryImport   MemoryAction = "import"
	MemoryGitScan  MemoryAction = "git_scan"
	MemoryContext  MemoryAction = "context"
	MemoryAnalyze  MemoryAction = "analyze"
)

// MemoryParams is the params payload for ToolMemory.
type MemoryParams struct {
	Action      MemoryAction `json:"action"`
	ProjectPath string       `json:"project_path,omitempty"`
	Content     string       `json:"content,omitempty"`
	Category    string       `json:"category,omitempty"`
	ID          string       `json:"id,omitempty"`
	Page        int          `json:"page,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
	Context     string       `json:"context,omitempty"`
	// Format selects export's output shape: "json" (default, round-trips
	// through Import) or "markdown" (human-readable, lossy).
	Format string `json:"format,omitempty"`
	// Data carries the export payload for an import action.
	Data string `json:"data,omitempty"`
}

// SearchMode enumerates the search tool's modes.
type SearchMode string

const (
	SearchModeText      SearchMode = "text"
	SearchModeSymbol    SearchMode = "symbol"
	SearchModeStructure SearchMode = "structure"
)

// SearchProfile enumerates the search tool's profiles.
type SearchProfile string

const (
	ProfileSmartStructure SearchProfile = "smart_structure"
	ProfileStructureOnly  SearchProfile = "structure_only"
)

// SearchParams is the params payload for ToolSearch.
type SearchParams struct {
	ProjectRootPath string        `json:"project_root_path,omitempty"`
	Query           string        `json:"query"`
	Mode            SearchMode    `json:"mode,omitempty"`
	Profile         SearchProfile `json:"profile,omitempty"`
	MaxResults      int           `json:"max_results,omitempty"`
}

// EnhanceContextParams is the params payload for ToolEnhanceContext.
type EnhanceContextParams struct {
	Message string `json:"message"`
}

// EnhanceContextResult is the data payload returned for ToolEnhanceContext.
type EnhanceContextResult struct {
	Original string `json:"original"`
	Enhanced string `json:"enhanced"`
}

// Limits enforced identically by both transports (spec §4.1).
const (
	MaxFrameBytes          = 10 * 1024 * 1024
	MaxInteractMessageSize = 1 * 1024 * 1024
	MaxPredefinedOptions   = 20
)
