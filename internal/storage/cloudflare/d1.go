package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// d1Schema mirrors the local memories table, one row per memory, plus the
// association graph. D1 speaks SQLite SQL, so the DDL matches the local
// backend's almost verbatim.
var d1Schema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		content_hash    TEXT PRIMARY KEY,
		content         TEXT NOT NULL,
		tags_csv        TEXT NOT NULL DEFAULT '',
		memory_type     TEXT NOT NULL DEFAULT '',
		metadata_json   TEXT NOT NULL DEFAULT '{}',
		created_at      REAL NOT NULL,
		created_at_iso  TEXT NOT NULL,
		updated_at      REAL NOT NULL,
		updated_at_iso  TEXT NOT NULL,
		deleted_at      REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_deleted_at ON memories(deleted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at)`,
	`CREATE TABLE IF NOT EXISTS memory_graph (
		source_hash       TEXT NOT NULL,
		target_hash       TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		similarity        REAL NOT NULL DEFAULT 0,
		metadata_json     TEXT NOT NULL DEFAULT '{}',
		created_at        REAL NOT NULL,
		PRIMARY KEY (source_hash, target_hash, relationship_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_source ON memory_graph(source_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_target ON memory_graph(target_hash)`,
}

type d1QueryRequest struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params,omitempty"`
}

type d1QueryResult struct {
	Results []map[string]interface{} `json:"results"`
	Success bool                     `json:"success"`
	Meta    struct {
		Changes   int64 `json:"changes"`
		LastRowID int64 `json:"last_row_id"`
	} `json:"meta"`
}

func (s *Store) d1Path() string {
	return fmt.Sprintf("/accounts/%s/d1/database/%s/query", s.cfg.AccountID, s.cfg.D1DatabaseID)
}

// d1Query runs one statement and returns its rows.
func (s *Store) d1Query(ctx context.Context, sql string, params ...interface{}) ([]map[string]interface{}, error) {
	results, err := s.d1Run(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return results.Results, nil
}

// d1Exec runs one statement and returns the number of changed rows.
func (s *Store) d1Exec(ctx context.Context, sql string, params ...interface{}) (int64, error) {
	results, err := s.d1Run(ctx, sql, params...)
	if err != nil {
		return 0, err
	}
	return results.Meta.Changes, nil
}

func (s *Store) d1Run(ctx context.Context, sql string, params ...interface{}) (*d1QueryResult, error) {
	var raw json.RawMessage
	err := s.client.doJSON(ctx, "POST", s.d1Path(), d1QueryRequest{SQL: sql, Params: params}, &raw)
	if err != nil {
		return nil, fmt.Errorf("d1 query: %w", err)
	}

	// The endpoint returns one result object per statement; we always send
	// exactly one.
	var results []d1QueryResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode d1 result: %w", err)
	}
	if len(results) == 0 {
		return &d1QueryResult{Success: true}, nil
	}
	if !results[0].Success {
		return nil, fmt.Errorf("d1 statement failed")
	}
	return &results[0], nil
}

// rowToMemory converts a D1 JSON row into a Memory. JSON numbers arrive as
// float64, which matches the timestamp representation directly.
func rowToMemory(row map[string]interface{}) (*types.Memory, error) {
	m := &types.Memory{}
	m.ContentHash, _ = row["content_hash"].(string)
	m.Content, _ = row["content"].(string)
	if csv, _ := row["tags_csv"].(string); csv != "" {
		m.Tags = strings.Split(csv, ",")
	}
	m.MemoryType, _ = row["memory_type"].(string)

	if metadataJSON, _ := row["metadata_json"].(string); metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("%w: remote metadata for %s is not valid JSON: %v",
				storage.ErrSchema, shortHash(m.ContentHash), err)
		}
		// Quality state travels compressed to stay under the vector metadata
		// cap; expand it back to the verbose keys for callers. A corrupt
		// quality field degrades to unscored rather than failing the read.
		if expanded, err := quality.ExpandMetadata(m.Metadata); err == nil {
			m.Metadata = expanded
		} else {
			log.Printf("WARNING: dropping corrupt quality field on %s: %v", shortHash(m.ContentHash), err)
			m.Metadata = expanded
		}
	}

	m.CreatedAt = jsonFloat(row["created_at"])
	m.UpdatedAt = jsonFloat(row["updated_at"])
	m.CreatedAtISO, _ = row["created_at_iso"].(string)
	m.UpdatedAtISO, _ = row["updated_at_iso"].(string)
	m.DeletedAt = jsonFloat(row["deleted_at"])
	return m, nil
}

func jsonFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case json.Number:
		n, _ := f.Float64()
		return n
	case int64:
		return float64(f)
	}
	return 0
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// tagConditionD1 renders exact-tag matching for D1 queries; identical
// semantics to the local backend's CSV matching.
func tagConditionD1(tags []string, op storage.TagOperation) (string, []interface{}) {
	conds := make([]string, 0, len(tags))
	args := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		conds = append(conds, `instr(',' || tags_csv || ',', ?) > 0`)
		args = append(args, ","+t+",")
	}
	joiner := " OR "
	if op == storage.TagMatchAll {
		joiner = " AND "
	}
	return "(" + strings.Join(conds, joiner) + ")", args
}
