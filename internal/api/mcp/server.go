package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/scrypster/keepsake/internal/consolidation"
	"github.com/scrypster/keepsake/internal/importer"
	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/timeexpr"
	"github.com/scrypster/keepsake/pkg/types"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// serverVersion is reported in the initialize handshake.
const serverVersion = "1.0.0"

// Server exposes the memory service over JSON-RPC 2.0 as MCP tools.
// Tool handlers return service envelopes verbatim: a failed operation is a
// successful JSON-RPC response whose payload carries success=false. JSON-RPC
// level errors are reserved for malformed requests and unknown methods.
type Server struct {
	svc       *service.MemoryService
	engine    *consolidation.Engine
	scheduler *consolidation.Scheduler
	sessionID string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithConsolidation wires the consolidation engine (and optionally its
// scheduler) into the memory_consolidate tool. Without it the tool reports
// that consolidation is disabled.
func WithConsolidation(engine *consolidation.Engine, scheduler *consolidation.Scheduler) ServerOption {
	return func(s *Server) {
		s.engine = engine
		s.scheduler = scheduler
	}
}

// NewServer creates an MCP server over a memory service.
func NewServer(svc *service.MemoryService, opts ...ServerOption) *Server {
	s := &Server{
		svc:       svc,
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Printf("keepsake-mcp: session ID: %s", s.sessionID)
	return s
}

// HandleRequest processes one JSON-RPC 2.0 request and returns the response
// bytes. This is the entry point the stdio transport calls per line.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized":
		// Notification; acknowledge with an empty object.
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		// Direct JSON-RPC dispatch of tool names (unified and legacy),
		// kept for callers that skip the MCP tools/call envelope.
		args, convErr := paramsToArgs(req.Params)
		if convErr != nil {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, convErr.Error(), nil)
		}
		var known bool
		result, known, err = s.dispatchTool(ctx, req.Method, args)
		if !known {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "keepsake",
			Version: serverVersion,
		},
	}, nil
}

func (s *Server) handleToolsList(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Unknown tools and handler errors come back as
// isError content, not JSON-RPC errors, per the MCP contract.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	result, known, err := s.dispatchTool(ctx, p.Name, p.Arguments)
	if !known {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
			IsError: true,
		}, nil
	}
	if err != nil {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// dispatchTool routes a tool name to its handler. Legacy names are
// forwarded to the unified handlers with their arguments rewritten and a
// deprecation warning logged. known is false when the name matches nothing.
func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]interface{}) (result interface{}, known bool, err error) {
	if alias, isLegacy := legacyAliases[name]; isLegacy {
		log.Printf("keepsake-mcp: tool %q is deprecated, use %q instead", name, alias.replacement)
		if alias.rewrite != nil {
			args = alias.rewrite(args)
		}
		name = alias.replacement
	}

	switch name {
	case "memory_store":
		result, err = s.handleStore(ctx, args)
	case "memory_search":
		result, err = s.handleSearch(ctx, args)
	case "memory_search_by_tag":
		result, err = s.handleSearchByTag(ctx, args)
	case "memory_search_by_time":
		result, err = s.handleSearchByTime(ctx, args)
	case "memory_recall":
		result, err = s.handleRecall(ctx, args)
	case "memory_get":
		result, err = s.handleGet(ctx, args)
	case "memory_list":
		result, err = s.handleList(ctx, args)
	case "memory_delete":
		result, err = s.handleDelete(ctx, args)
	case "memory_delete_untagged":
		result, err = s.handleDeleteUntagged(ctx, args)
	case "memory_cleanup_duplicates":
		result, err = s.svc.CleanupDuplicates(ctx), nil
	case "memory_update":
		result, err = s.handleUpdate(ctx, args)
	case "memory_consolidate":
		result, err = s.handleConsolidate(ctx, args)
	case "memory_quality":
		result, err = s.handleQuality(ctx, args)
	case "memory_graph":
		result, err = s.handleGraph(ctx, args)
	case "memory_ingest":
		result, err = s.handleIngest(ctx, args)
	case "memory_sync":
		result, err = s.handleSync(ctx, args)
	case "memory_health":
		result, err = s.svc.HealthCheck(ctx), nil
	case "memory_stats":
		result, err = s.svc.Stats(ctx), nil
	default:
		return nil, false, nil
	}
	return result, true, err
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStore(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a StoreArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	return s.svc.StoreMemory(ctx, service.StoreInput{
		Content:        a.Content,
		Tags:           flexTags(a.Tags),
		MemoryType:     a.MemoryType,
		Metadata:       a.Metadata,
		ClientHostname: a.ClientHostname,
	}), nil
}

func (s *Server) handleSearch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a SearchArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	window, err := expressionWindow(a.After, a.Before)
	if err != nil {
		return &service.SearchResult{Envelope: service.Fail(err)}, nil
	}
	return s.svc.Search(ctx, service.SearchRequest{
		Query:         a.Query,
		Limit:         a.Limit,
		Mode:          a.Mode,
		Tags:          flexTags(a.Tags),
		TagMatch:      a.TagMatch,
		Window:        window,
		QualityBoost:  a.QualityBoost,
		QualityWeight: a.QualityWeight,
	}), nil
}

// SearchByTagArgs contains arguments for the memory_search_by_tag tool.
type SearchByTagArgs struct {
	Tags      interface{} `json:"tags"`
	Operation string      `json:"operation,omitempty"`  // "all" (default) or "any"
	TimeStart float64     `json:"time_start,omitempty"` // float Unix seconds
	TimeEnd   float64     `json:"time_end,omitempty"`
}

func (s *Server) handleSearchByTag(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a SearchByTagArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	window := storage.TimeWindow{Start: a.TimeStart, End: a.TimeEnd}
	return s.svc.SearchByTag(ctx, flexTags(a.Tags), a.Operation, window), nil
}

// SearchByTimeArgs contains arguments for the memory_search_by_time tool.
// Query is a natural time expression ("yesterday", "last week", "past 3 days").
type SearchByTimeArgs struct {
	Query string `json:"query"`
	Tag   string `json:"tag,omitempty"`
}

func (s *Server) handleSearchByTime(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a SearchByTimeArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	return s.svc.SearchByTime(ctx, a.Query, a.Tag), nil
}

// RecallArgs contains arguments for the memory_recall tool: semantic search
// restricted to a time window given as a natural expression or explicit
// bounds. An empty query degrades to the most recent memories in the window.
type RecallArgs struct {
	Query      string  `json:"query,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Expression string  `json:"expression,omitempty"` // natural time expression
	TimeStart  float64 `json:"time_start,omitempty"`
	TimeEnd    float64 `json:"time_end,omitempty"`
}

func (s *Server) handleRecall(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a RecallArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	if a.Expression != "" {
		return s.svc.RecallExpr(ctx, a.Query, a.Expression, a.Limit), nil
	}
	window := storage.TimeWindow{Start: a.TimeStart, End: a.TimeEnd}
	return s.svc.Recall(ctx, a.Query, a.Limit, window), nil
}

// GetArgs contains arguments for the memory_get tool.
type GetArgs struct {
	ContentHash string `json:"content_hash"`
}

func (s *Server) handleGet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a GetArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	return s.svc.GetByHash(ctx, a.ContentHash), nil
}

func (s *Server) handleList(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a ListArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	opts := storage.ListOptions{
		Page:       a.Page,
		PageSize:   a.PageSize,
		MemoryType: a.MemoryType,
	}
	if a.Tag != "" {
		opts.Tags = []string{a.Tag}
	}
	return s.svc.List(ctx, opts), nil
}

func (s *Server) handleDelete(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a DeleteArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	window, err := expressionWindow(a.After, a.Before)
	if err != nil {
		return &service.DeleteResult{Envelope: service.Fail(err)}, nil
	}
	return s.svc.Delete(ctx, service.DeleteRequest{
		ContentHash: a.ContentHash,
		Tags:        flexTags(a.Tags),
		TagMatch:    a.TagMatch,
		Window:      window,
		Tag:         a.Tag,
		DryRun:      a.DryRun,
	}), nil
}

// DeleteUntaggedArgs contains arguments for the memory_delete_untagged
// tool. ConfirmCount must equal the current untagged count; calling with
// Count=true returns the count without deleting.
type DeleteUntaggedArgs struct {
	Count        bool `json:"count,omitempty"`
	ConfirmCount *int `json:"confirm_count,omitempty"`
}

func (s *Server) handleDeleteUntagged(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a DeleteUntaggedArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	if a.Count {
		return s.svc.CountUntagged(ctx), nil
	}
	if a.ConfirmCount == nil {
		return &service.DeleteResult{Envelope: service.Fail(fmt.Errorf(
			"%w: confirm_count is required; call with count=true first", storage.ErrInvalidInput))}, nil
	}
	return s.svc.DeleteUntagged(ctx, *a.ConfirmCount), nil
}

func (s *Server) handleUpdate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a UpdateArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	preserve := true
	if a.PreserveTimestamps != nil {
		preserve = *a.PreserveTimestamps
	}
	return s.svc.UpdateMetadata(ctx, a.ContentHash, a.Updates, preserve), nil
}

func (s *Server) handleConsolidate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a ConsolidateArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	if s.engine == nil {
		return &ConsolidateResult{Action: a.Action}, fmt.Errorf("consolidation is not enabled on this server")
	}

	switch a.Action {
	case "run":
		horizon, err := consolidation.ParseHorizon(a.Horizon)
		if err != nil {
			return nil, err
		}
		report, err := s.engine.Run(ctx, horizon)
		if err != nil {
			return nil, err
		}
		return &ConsolidateResult{Success: true, Action: a.Action, Report: report}, nil
	case "", "status":
		st := s.engine.Status()
		return &ConsolidateResult{Success: true, Action: "status", Engine: &st}, nil
	case "recommend":
		rec, err := s.engine.Recommend(ctx)
		if err != nil {
			return nil, err
		}
		return &ConsolidateResult{Success: true, Action: a.Action, Recommendations: rec}, nil
	case "scheduler", "pause", "resume":
		if s.scheduler == nil {
			return nil, fmt.Errorf("no consolidation scheduler is running in this process")
		}
		switch a.Action {
		case "pause":
			s.scheduler.Pause()
		case "resume":
			s.scheduler.Resume()
		}
		st := s.scheduler.Status()
		return &ConsolidateResult{Success: true, Action: a.Action, Scheduler: &st}, nil
	default:
		return nil, fmt.Errorf("unknown consolidate action %q (want run, status, recommend, scheduler, pause, or resume)", a.Action)
	}
}

func (s *Server) handleQuality(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a QualityArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	switch a.Action {
	case "rate":
		if a.Rating == nil {
			return nil, fmt.Errorf("rating is required for the rate action")
		}
		return s.svc.Rate(ctx, a.ContentHash, *a.Rating, a.Feedback), nil
	case "", "get":
		return s.svc.QualityOf(ctx, a.ContentHash), nil
	case "evaluate":
		return s.svc.Evaluate(ctx, a.ContentHash), nil
	case "analyze":
		return s.svc.AnalyzeQuality(ctx), nil
	default:
		return nil, fmt.Errorf("unknown quality action %q (want rate, get, evaluate, or analyze)", a.Action)
	}
}

func (s *Server) handleGraph(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a GraphArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	switch a.Action {
	case "", "connected":
		return s.svc.Connected(ctx, a.Hash, a.Hops, a.Direction), nil
	case "path":
		return s.svc.Path(ctx, a.Hash, a.OtherHash), nil
	case "subgraph":
		return s.svc.Subgraph(ctx, a.Hash, a.Radius), nil
	default:
		return nil, fmt.Errorf("unknown graph action %q (want connected, path, or subgraph)", a.Action)
	}
}

func (s *Server) handleIngest(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a IngestArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	if a.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	tags, err := service.NormalizeTags(flexTags(a.Tags))
	if err != nil {
		return nil, err
	}
	imp := importer.New(s.svc, importer.Options{
		Tags:         tags,
		ChunkSize:    a.ChunkSize,
		ChunkOverlap: a.ChunkOverlap,
		MemoryType:   a.MemoryType,
	})
	report, err := imp.IngestPath(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Success: report.Failures == 0 && report.FilesFailed == 0, Report: *report}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var a SyncArgs
	if err := unmarshalParams(args, &a); err != nil {
		return nil, err
	}
	return s.svc.Sync(ctx, a.Operation), nil
}

// ---------------------------------------------------------------------------
// Legacy tool names
// ---------------------------------------------------------------------------

// legacyAlias forwards a deprecated tool name to its unified replacement,
// optionally rewriting arguments to the new shape.
type legacyAlias struct {
	replacement string
	rewrite     func(map[string]interface{}) map[string]interface{}
}

// renameKey moves one argument key, keeping an already-set target.
func renameKey(from, to string) func(map[string]interface{}) map[string]interface{} {
	return func(args map[string]interface{}) map[string]interface{} {
		if args == nil {
			return nil
		}
		if v, found := args[from]; found {
			if _, taken := args[to]; !taken {
				args[to] = v
			}
			delete(args, from)
		}
		return args
	}
}

// setKey pins one argument to a fixed value.
func setKey(key string, value interface{}) func(map[string]interface{}) map[string]interface{} {
	return func(args map[string]interface{}) map[string]interface{} {
		if args == nil {
			args = map[string]interface{}{}
		}
		args[key] = value
		return args
	}
}

func chain(fns ...func(map[string]interface{}) map[string]interface{}) func(map[string]interface{}) map[string]interface{} {
	return func(args map[string]interface{}) map[string]interface{} {
		for _, fn := range fns {
			args = fn(args)
		}
		return args
	}
}

// legacyAliases keeps every pre-unification tool name callable. Calls are
// logged as deprecated and forwarded; the removal version is announced in
// the changelog, not enforced here.
var legacyAliases = map[string]legacyAlias{
	"store_memory":    {replacement: "memory_store"},
	"retrieve_memory": {replacement: "memory_search", rewrite: renameKey("n_results", "limit")},
	"recall_memory": {replacement: "memory_recall", rewrite: chain(
		renameKey("n_results", "limit"))},
	"recall_by_timeframe": {replacement: "memory_recall", rewrite: renameKey("n_results", "limit")},
	"exact_match_retrieve": {replacement: "memory_search", rewrite: chain(
		renameKey("content", "query"), setKey("mode", "exact"))},
	"debug_retrieve": {replacement: "memory_search", rewrite: renameKey("n_results", "limit")},
	"search_by_tag":  {replacement: "memory_search_by_tag"},
	"search_by_tags": {replacement: "memory_search_by_tag"},
	"search_by_time": {replacement: "memory_search_by_time"},
	"get_memory_by_hash": {replacement: "memory_get"},
	"list_memories":      {replacement: "memory_list"},
	"delete_memory":      {replacement: "memory_delete"},
	"delete_by_tag":      {replacement: "memory_delete", rewrite: renameKey("tag", "tags")},
	"delete_by_tags":     {replacement: "memory_delete"},
	"delete_by_all_tags": {replacement: "memory_delete", rewrite: setKey("tag_match", "all")},
	"delete_by_timeframe": {replacement: "memory_delete", rewrite: chain(
		renameKey("start_date", "after"), renameKey("end_date", "before"))},
	"delete_before_date":        {replacement: "memory_delete", rewrite: renameKey("before_date", "before")},
	"count_untagged_memories":   {replacement: "memory_delete_untagged", rewrite: setKey("count", true)},
	"delete_untagged_memories":  {replacement: "memory_delete_untagged"},
	"cleanup_duplicates":        {replacement: "memory_cleanup_duplicates"},
	"update_memory_metadata":    {replacement: "memory_update"},
	"update_memory":             {replacement: "memory_update"},
	"rate_memory":               {replacement: "memory_quality", rewrite: setKey("action", "rate")},
	"get_memory_quality":        {replacement: "memory_quality", rewrite: setKey("action", "get")},
	"analyze_quality":           {replacement: "memory_quality", rewrite: setKey("action", "analyze")},
	"consolidate_memories":      {replacement: "memory_consolidate", rewrite: setKey("action", "run")},
	"consolidation_status":      {replacement: "memory_consolidate", rewrite: setKey("action", "status")},
	"consolidation_recommend":   {replacement: "memory_consolidate", rewrite: setKey("action", "recommend")},
	"pause_consolidation":       {replacement: "memory_consolidate", rewrite: setKey("action", "pause")},
	"resume_consolidation":      {replacement: "memory_consolidate", rewrite: setKey("action", "resume")},
	"get_connected_memories":    {replacement: "memory_graph", rewrite: setKey("action", "connected")},
	"find_memory_path":          {replacement: "memory_graph", rewrite: setKey("action", "path")},
	"get_memory_subgraph":       {replacement: "memory_graph", rewrite: setKey("action", "subgraph")},
	"ingest_document":           {replacement: "memory_ingest", rewrite: renameKey("file_path", "path")},
	"ingest_directory":          {replacement: "memory_ingest", rewrite: renameKey("directory_path", "path")},
	"sync_status":               {replacement: "memory_sync", rewrite: setKey("operation", "status")},
	"pause_sync":                {replacement: "memory_sync", rewrite: setKey("operation", "pause")},
	"resume_sync":               {replacement: "memory_sync", rewrite: setKey("operation", "resume")},
	"force_sync":                {replacement: "memory_sync", rewrite: setKey("operation", "force")},
	"check_database_health":     {replacement: "memory_health"},
	"dashboard_check_health":    {replacement: "memory_health"},
	"get_stats":                 {replacement: "memory_stats"},
	"get_cache_stats":           {replacement: "memory_stats"},
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// expressionWindow resolves optional after/before time expressions into a
// creation-time window. Both bounds accept anything timeexpr understands.
func expressionWindow(after, before string) (storage.TimeWindow, error) {
	var w storage.TimeWindow
	now := time.Now().UTC()
	if after != "" {
		t, err := timeexpr.Parse(after, now)
		if err != nil {
			return w, err
		}
		w.Start = types.UnixSeconds(t)
	}
	if before != "" {
		t, err := timeexpr.Parse(before, now)
		if err != nil {
			return w, err
		}
		w.End = types.UnixSeconds(t)
	}
	return w, nil
}

// paramsToArgs converts raw JSON-RPC params to the argument map the tool
// dispatcher takes. Nil params mean an empty argument set.
func paramsToArgs(params interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	if m, isMap := params.(map[string]interface{}); isMap {
		return m, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	return m, nil
}

// unmarshalParams round-trips loosely typed parameters into a typed
// argument struct.
func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	})
}
