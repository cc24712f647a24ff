package sqlitevec

// Schema is the base DDL for a fresh database. Initialization detects an
// existing memories table and skips this entirely; numbered migrations
// below bring older databases up to date. Every statement is written to be
// idempotent (IF NOT EXISTS) so a second initializer racing the first does
// no harm.
const Schema = `
-- ============================================================
-- Memories: content-hash-addressed records
-- ============================================================
CREATE TABLE IF NOT EXISTS memories (
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
);

CREATE INDEX IF NOT EXISTS idx_memories_deleted_at  ON memories(deleted_at);
CREATE INDEX IF NOT EXISTS idx_memories_created_at  ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_updated_at  ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_memory_type ON memories(memory_type);
CREATE INDEX IF NOT EXISTS idx_memories_tags        ON memories(tags_csv);

-- ============================================================
-- Embeddings: float32 little-endian blobs, one row per memory
-- ============================================================
CREATE TABLE IF NOT EXISTS memory_embeddings (
    content_hash TEXT PRIMARY KEY REFERENCES memories(content_hash) ON DELETE CASCADE,
    vector       BLOB NOT NULL,
    dim          INTEGER NOT NULL
);

-- ============================================================
-- Graph: typed association edges between memories
-- ============================================================
CREATE TABLE IF NOT EXISTS memory_graph (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source_hash       TEXT NOT NULL,
    target_hash       TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    similarity        REAL NOT NULL DEFAULT 0,
    metadata_json     TEXT NOT NULL DEFAULT '{}',
    created_at        REAL NOT NULL,
    UNIQUE(source_hash, target_hash, relationship_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_source ON memory_graph(source_hash);
CREATE INDEX IF NOT EXISTS idx_graph_target ON memory_graph(target_hash);
CREATE INDEX IF NOT EXISTS idx_graph_pair   ON memory_graph(source_hash, target_hash);

-- ============================================================
-- Schema version bookkeeping (single row)
-- ============================================================
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL
);
`

// migration is one numbered, idempotent schema step. Statements that fail
// because the change already exists (duplicate column, duplicate table)
// are logged as warnings and skipped.
type migration struct {
	version int
	name    string
	stmts   []string
}

// currentSchemaVersion is the version a fresh database is stamped with.
const currentSchemaVersion = 3

// migrations are applied in numeric order on every initialization to any
// database whose recorded version is lower. Version 1 corresponds to the
// base Schema above.
var migrations = []migration{
	{
		version: 2,
		name:    "graph_edge_created_at",
		stmts: []string{
			`ALTER TABLE memory_graph ADD COLUMN created_at REAL NOT NULL DEFAULT 0`,
		},
	},
	{
		version: 3,
		name:    "updated_at_index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_pair ON memory_graph(source_hash, target_hash)`,
		},
	},
}
