package mcp

// tagsSchema is the shared shape of every tags-valued parameter: clients
// may send a real array, a comma-separated string, or a single tag. The
// service normalizes whichever arrives.
func tagsSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"oneOf": []interface{}{
			map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			map[string]interface{}{"type": "string"},
		},
		"description": description,
	}
}

func str(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func num(description string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": description}
}

func integer(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func boolean(description string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description}
}

func object(required []string, properties map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// buildToolsList returns the canonical tool definitions. Every tool
// carries readOnlyHint/destructiveHint annotations so clients can gate
// confirmation prompts; legacy aliases are callable but not advertised.
func buildToolsList() []MCPTool {
	readOnly := func(title string) *MCPToolAnnotations {
		return &MCPToolAnnotations{Title: title, ReadOnlyHint: true}
	}
	mutating := func(title string) *MCPToolAnnotations {
		return &MCPToolAnnotations{Title: title}
	}
	destructive := func(title string) *MCPToolAnnotations {
		return &MCPToolAnnotations{Title: title, DestructiveHint: true}
	}

	return []MCPTool{
		{
			Name: "memory_store",
			Description: "Store a new memory with optional tags, type, and metadata. Content is " +
				"deduplicated by hash; oversized content is split into linked chunks automatically.",
			Annotations: mutating("Store memory"),
			InputSchema: object([]string{"content"}, map[string]interface{}{
				"content":         str("The memory content to store (required)"),
				"tags":            tagsSchema("Tags as an array or comma-separated string"),
				"memory_type":     str("Memory type label: note, decision, reference, ..."),
				"metadata":        map[string]interface{}{"type": "object", "description": "Arbitrary key-value metadata; metadata.tags merges into tags"},
				"client_hostname": str("Hostname of the storing client, for source tagging"),
			}),
		},
		{
			Name: "memory_search",
			Description: "Search memories. Modes: semantic (embedding similarity, default), exact " +
				"(byte-for-byte content match), hybrid (both, exact pinned first). Optional tag " +
				"filter, time bounds, and quality-boosted re-ranking.",
			Annotations: readOnly("Search memories"),
			InputSchema: object([]string{"query"}, map[string]interface{}{
				"query":          str("Search query (required)"),
				"limit":          integer("Maximum results (default 5)"),
				"mode":           str("semantic (default), exact, or hybrid"),
				"tags":           tagsSchema("Only return memories carrying these tags"),
				"tag_match":      str("Tag combinator: all (default) or any"),
				"after":          str("Time expression lower bound, e.g. 'yesterday', '2025-06-01'"),
				"before":         str("Time expression upper bound"),
				"quality_boost":  boolean("Blend stored quality scores into the ranking"),
				"quality_weight": num("Quality share of the composite score (default 0.3)"),
			}),
		},
		{
			Name:        "memory_search_by_tag",
			Description: "Find memories by exact tag match with AND/OR semantics and an optional time window.",
			Annotations: readOnly("Search by tag"),
			InputSchema: object([]string{"tags"}, map[string]interface{}{
				"tags":       tagsSchema("Tags to match exactly (required)"),
				"operation":  str("Combinator: all (every tag, default) or any (at least one)"),
				"time_start": num("Window start, float Unix seconds UTC"),
				"time_end":   num("Window end, float Unix seconds UTC"),
			}),
		},
		{
			Name: "memory_search_by_time",
			Description: "Find memories created inside a natural-language time window, " +
				"e.g. 'yesterday', 'last week', 'past 3 days'.",
			Annotations: readOnly("Search by time"),
			InputSchema: object([]string{"query"}, map[string]interface{}{
				"query": str("Natural time expression (required)"),
				"tag":   str("Restrict to one exact tag"),
			}),
		},
		{
			Name: "memory_recall",
			Description: "Semantic search restricted to a time window. With an empty query, returns " +
				"the most recent memories in the window.",
			Annotations: readOnly("Recall memories"),
			InputSchema: object(nil, map[string]interface{}{
				"query":      str("Semantic query; empty means most-recent-first"),
				"limit":      integer("Maximum results (default 5)"),
				"expression": str("Natural time expression defining the window"),
				"time_start": num("Explicit window start, float Unix seconds UTC"),
				"time_end":   num("Explicit window end, float Unix seconds UTC"),
			}),
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory by its content hash.",
			Annotations: readOnly("Get memory"),
			InputSchema: object([]string{"content_hash"}, map[string]interface{}{
				"content_hash": str("64-hex content hash (required)"),
			}),
		},
		{
			Name:        "memory_list",
			Description: "List memories chronologically (newest first) with pagination and optional tag/type filters.",
			Annotations: readOnly("List memories"),
			InputSchema: object(nil, map[string]interface{}{
				"page":        integer("1-based page number (default 1)"),
				"page_size":   integer("Items per page, 1-100 (default 10)"),
				"tag":         str("Filter by one exact tag"),
				"memory_type": str("Filter by memory type"),
			}),
		},
		{
			Name: "memory_delete",
			Description: "Delete memories by content hash, by tags, or by a time window. Deletes are " +
				"soft (tombstones) and propagate to synced backends. Use dry_run to preview.",
			Annotations: destructive("Delete memories"),
			InputSchema: object(nil, map[string]interface{}{
				"content_hash": str("Delete one memory by hash"),
				"tags":         tagsSchema("Delete memories matching these tags"),
				"tag_match":    str("Tag combinator for tag deletes: any (default) or all"),
				"before":       str("Delete memories created before this time expression"),
				"after":        str("Delete memories created after this time expression"),
				"tag":          str("Extra exact-tag restriction for window deletes"),
				"dry_run":      boolean("Report the would-be count without deleting"),
			}),
		},
		{
			Name: "memory_delete_untagged",
			Description: "Count or delete memories that carry no tags. Deletion requires confirm_count " +
				"to equal the current untagged count.",
			Annotations: destructive("Delete untagged memories"),
			InputSchema: object(nil, map[string]interface{}{
				"count":         boolean("Only return the untagged count"),
				"confirm_count": integer("Required for deletion; must equal the current count"),
			}),
		},
		{
			Name:        "memory_cleanup_duplicates",
			Description: "Delete memories repeating another memory's exact content, keeping the oldest copy.",
			Annotations: destructive("Cleanup duplicates"),
			InputSchema: object(nil, map[string]interface{}{}),
		},
		{
			Name: "memory_update",
			Description: "Update the mutable fields of a memory: tags, memory_type, metadata (merged), " +
				"and quality fields. Content and created_at never change.",
			Annotations: mutating("Update memory"),
			InputSchema: object([]string{"content_hash", "updates"}, map[string]interface{}{
				"content_hash":        str("64-hex content hash (required)"),
				"updates":             map[string]interface{}{"type": "object", "description": "Fields to change; pass only what should change"},
				"preserve_timestamps": boolean("Default true: updated_at moves to now; created_at is never touched"),
			}),
		},
		{
			Name: "memory_consolidate",
			Description: "Drive the consolidation engine: run a pass (daily/weekly/monthly), inspect " +
				"status, get recommendations, or pause/resume the scheduler.",
			Annotations: mutating("Consolidation"),
			InputSchema: object([]string{"action"}, map[string]interface{}{
				"action":  str("run, status, recommend, scheduler, pause, or resume"),
				"horizon": str("For run: daily (default), weekly, or monthly"),
			}),
		},
		{
			Name:        "memory_quality",
			Description: "Rate, inspect, recompute, or analyze memory quality scores.",
			Annotations: mutating("Memory quality"),
			InputSchema: object([]string{"action"}, map[string]interface{}{
				"action":       str("rate, get, evaluate, or analyze"),
				"content_hash": str("Target memory (required except for analyze)"),
				"rating":       num("User rating in [0,1], required for rate"),
				"feedback":     str("Optional note stored with a rating"),
			}),
		},
		{
			Name:        "memory_graph",
			Description: "Explore the association graph: connected memories, shortest path, or a neighborhood subgraph.",
			Annotations: readOnly("Memory graph"),
			InputSchema: object([]string{"hash"}, map[string]interface{}{
				"action":     str("connected (default), path, or subgraph"),
				"hash":       str("Starting memory hash (required)"),
				"other_hash": str("Path target hash (path action)"),
				"hops":       integer("Traversal depth for connected (default 2)"),
				"radius":     integer("Neighborhood radius for subgraph (default 1)"),
				"direction":  str("both (default), outbound, or inbound"),
			}),
		},
		{
			Name: "memory_ingest",
			Description: "Ingest markdown or text files (a single file or a directory tree) as memories, " +
				"with optional chunking and extra tags.",
			Annotations: mutating("Ingest documents"),
			InputSchema: object([]string{"path"}, map[string]interface{}{
				"path":          str("File or directory to ingest (required)"),
				"tags":          tagsSchema("Tags applied to every created memory"),
				"chunk_size":    integer("Split documents into chunks of this many characters"),
				"chunk_overlap": integer("Character overlap between adjacent chunks"),
				"memory_type":   str("Memory type label (default document)"),
			}),
		},
		{
			Name: "memory_sync",
			Description: "Inspect or control hybrid backend synchronization: status, pause, resume, or " +
				"force an immediate drift check. Rejected on non-hybrid backends.",
			Annotations: mutating("Sync control"),
			InputSchema: object(nil, map[string]interface{}{
				"operation": str("status (default), pause, resume, or force"),
			}),
		},
		{
			Name:        "memory_health",
			Description: "Backend health: connectivity, memory count, database size, embedding model, uptime, and sync state.",
			Annotations: readOnly("Health check"),
			InputSchema: object(nil, map[string]interface{}{}),
		},
		{
			Name:        "memory_stats",
			Description: "Backend statistics: totals, this-week count, unique tags, database size.",
			Annotations: readOnly("Statistics"),
			InputSchema: object(nil, map[string]interface{}{}),
		},
	}
}
