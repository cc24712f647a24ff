// Package mcp implements the Model Context Protocol (MCP) server for Keepsake.
// It exposes the memory service as JSON-RPC 2.0 tools for storing, searching,
// and maintaining content-addressed memories.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/scrypster/keepsake/internal/consolidation"
	"github.com/scrypster/keepsake/internal/importer"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPToolAnnotations carries the behavior hints attached to each tool so
// clients can gate confirmation prompts on them.
type MCPToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint"`
	DestructiveHint bool   `json:"destructiveHint"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Annotations *MCPToolAnnotations    `json:"annotations,omitempty"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

// ---------------------------------------------------------------------------
// Tool argument types
//
// Tag-shaped fields are declared interface{}: the schema advertises
// oneOf [array, string] and the service normalizes whichever shape the
// client sent. flexTags additionally unpacks the JSON-encoded-string
// form some MCP clients produce.
// ---------------------------------------------------------------------------

// StoreArgs contains arguments for the memory_store tool.
type StoreArgs struct {
	Content        string                 `json:"content"`                   // Memory content (required)
	Tags           interface{}            `json:"tags,omitempty"`            // Tags as array or comma-separated string
	MemoryType     string                 `json:"memory_type,omitempty"`     // Memory type label (note, decision, reference, ...)
	Metadata       map[string]interface{} `json:"metadata,omitempty"`        // Arbitrary metadata; metadata.tags merges into tags
	ClientHostname string                 `json:"client_hostname,omitempty"` // Hostname of the storing client
}

// SearchArgs contains arguments for the memory_search tool.
type SearchArgs struct {
	Query         string      `json:"query"`                    // Search query
	Limit         int         `json:"limit,omitempty"`          // Maximum results (default 5)
	Mode          string      `json:"mode,omitempty"`           // semantic (default), exact, or hybrid
	Tags          interface{} `json:"tags,omitempty"`           // Filter to memories carrying these tags
	TagMatch      string      `json:"tag_match,omitempty"`      // "all" (default) or "any"
	After         string      `json:"after,omitempty"`          // Time expression lower bound
	Before        string      `json:"before,omitempty"`         // Time expression upper bound
	QualityBoost  bool        `json:"quality_boost,omitempty"`  // Blend quality into ranking
	QualityWeight float64     `json:"quality_weight,omitempty"` // Quality share of the composite score
}

// ListArgs contains arguments for the memory_list tool.
type ListArgs struct {
	Page       int    `json:"page,omitempty"`        // 1-indexed page (default 1)
	PageSize   int    `json:"page_size,omitempty"`   // Items per page (default 10, max 100)
	Tag        string `json:"tag,omitempty"`         // Filter by one exact tag
	MemoryType string `json:"memory_type,omitempty"` // Filter by memory type
}

// DeleteArgs contains arguments for the memory_delete tool. Exactly one
// selector group applies: content_hash, tags, or a before/after window.
type DeleteArgs struct {
	ContentHash string      `json:"content_hash,omitempty"`
	Tags        interface{} `json:"tags,omitempty"`
	TagMatch    string      `json:"tag_match,omitempty"` // "any" (default for deletes) or "all"
	Before      string      `json:"before,omitempty"`
	After       string      `json:"after,omitempty"`
	Tag         string      `json:"tag,omitempty"` // Extra tag restriction for window deletes
	DryRun      bool        `json:"dry_run,omitempty"`
}

// UpdateArgs contains arguments for the memory_update tool.
type UpdateArgs struct {
	ContentHash string                 `json:"content_hash"`
	Updates     map[string]interface{} `json:"updates"`
	// PreserveTimestamps defaults to true: updated_at moves to now and
	// created_at is never touched. Set false to honor explicit
	// updated_at / updated_at_iso values inside Updates.
	PreserveTimestamps *bool `json:"preserve_timestamps,omitempty"`
}

// ConsolidateArgs contains arguments for the memory_consolidate tool.
type ConsolidateArgs struct {
	Action  string `json:"action"`            // run, status, recommend, scheduler, pause, resume
	Horizon string `json:"horizon,omitempty"` // daily (default), weekly, or monthly
}

// QualityArgs contains arguments for the memory_quality tool.
type QualityArgs struct {
	Action      string   `json:"action"`                 // rate, get, evaluate, or analyze
	ContentHash string   `json:"content_hash,omitempty"` // Required for rate, get, evaluate
	Rating      *float64 `json:"rating,omitempty"`       // Required for rate; range [0,1]
	Feedback    string   `json:"feedback,omitempty"`     // Optional note stored with a rating
}

// GraphArgs contains arguments for the memory_graph tool.
type GraphArgs struct {
	Action    string `json:"action"`               // connected (default), path, or subgraph
	Hash      string `json:"hash"`                 // Starting memory (required)
	OtherHash string `json:"other_hash,omitempty"` // Path target (path action only)
	Hops      int    `json:"hops,omitempty"`       // Traversal depth for connected (default 2)
	Radius    int    `json:"radius,omitempty"`     // Neighborhood radius for subgraph (default 1)
	Direction string `json:"direction,omitempty"`  // both (default), outbound, or inbound
}

// IngestArgs contains arguments for the memory_ingest tool.
type IngestArgs struct {
	Path         string      `json:"path"`                    // File or directory to ingest (required)
	Tags         interface{} `json:"tags,omitempty"`          // Tags applied to every created memory
	ChunkSize    int         `json:"chunk_size,omitempty"`    // Split documents into chunks of this length
	ChunkOverlap int         `json:"chunk_overlap,omitempty"` // Overlap between adjacent chunks
	MemoryType   string      `json:"memory_type,omitempty"`   // Memory type label (default "document")
}

// IngestResult is returned by memory_ingest. The import report fields are
// flattened alongside the success flag.
type IngestResult struct {
	Success bool `json:"success"`
	importer.Report
}

// SyncArgs contains arguments for the memory_sync tool.
type SyncArgs struct {
	Operation string `json:"operation,omitempty"` // status (default), pause, resume, or force
}

// ConsolidateResult is returned by memory_consolidate. Exactly one of the
// payload fields is set, matching the requested action.
type ConsolidateResult struct {
	Success         bool                           `json:"success"`
	Action          string                         `json:"action"`
	Report          *consolidation.Report          `json:"report,omitempty"`
	Engine          *consolidation.Status          `json:"engine,omitempty"`
	Recommendations *consolidation.Recommendations `json:"recommendations,omitempty"`
	Scheduler       *consolidation.SchedulerStatus `json:"scheduler,omitempty"`
}

// flexTags unpacks the JSON-encoded-string form of a tags argument that
// some MCP clients (e.g. Claude Code) produce, turning "[\"a\",\"b\"]"
// back into a real array. Every other shape passes through untouched for
// the service to normalize.
func flexTags(v interface{}) interface{} {
	s, isString := v.(string)
	if !isString {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var tags []string
	if err := json.Unmarshal([]byte(trimmed), &tags); err != nil {
		return v
	}
	return tags
}
