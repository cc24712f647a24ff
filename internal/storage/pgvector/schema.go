package pgvector

// Schema is the base DDL. Every statement is idempotent (IF NOT EXISTS),
// so repeat initialization and concurrent initializers are safe. The
// embeddings table is created separately because its vector column is
// sized to the embedding provider's dimension.
const Schema = `
-- ============================================================
-- Memories: content-hash-addressed records
-- ============================================================
CREATE TABLE IF NOT EXISTS memories (
    content_hash    TEXT PRIMARY KEY,
    content         TEXT NOT NULL,
    tags_csv        TEXT NOT NULL DEFAULT '',
    memory_type     TEXT NOT NULL DEFAULT '',
    metadata_json   JSONB NOT NULL DEFAULT '{}',
    created_at      DOUBLE PRECISION NOT NULL,
    created_at_iso  TEXT NOT NULL,
    updated_at      DOUBLE PRECISION NOT NULL,
    updated_at_iso  TEXT NOT NULL,
    deleted_at      DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_memories_deleted_at  ON memories(deleted_at);
CREATE INDEX IF NOT EXISTS idx_memories_created_at  ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_updated_at  ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_memory_type ON memories(memory_type);

-- ============================================================
-- Graph: typed association edges between memories
-- ============================================================
CREATE TABLE IF NOT EXISTS memory_graph (
    source_hash       TEXT NOT NULL,
    target_hash       TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    similarity        DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata_json     JSONB NOT NULL DEFAULT '{}',
    created_at        DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (source_hash, target_hash, relationship_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_target ON memory_graph(target_hash);
`

// embeddingsSchema is formatted with the vector dimension. The dimension
// is fixed when the table is first created; switching embedding models
// later requires dropping the table and re-embedding.
const embeddingsSchema = `
CREATE TABLE IF NOT EXISTS memory_embeddings (
    content_hash TEXT PRIMARY KEY REFERENCES memories(content_hash) ON DELETE CASCADE,
    embedding    vector(%d) NOT NULL
)`

// embeddingsIndex accelerates the <=> cosine operator. Building ivfflat on
// an empty table is allowed; recall improves once rows exist and the index
// is eventually rebuilt by autovacuum-side maintenance.
const embeddingsIndex = `
CREATE INDEX IF NOT EXISTS idx_memory_embeddings_cosine
ON memory_embeddings USING ivfflat (embedding vector_cosine_ops)
WITH (lists = 100)`
