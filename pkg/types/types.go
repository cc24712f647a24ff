// Package types defines the core data structures for the Keepsake memory
// system: content-hash-addressed memories, query results, and the typed
// association edges that connect them.
package types

// Relationship type constants for association edges between memories.
const (
	// RelCauses indicates the source memory describes a cause of the target.
	RelCauses = "causes"

	// RelFixes indicates the source memory describes a fix for the target.
	RelFixes = "fixes"

	// RelContradicts indicates the two memories disagree. Symmetric.
	RelContradicts = "contradicts"

	// RelSupports indicates the source memory reinforces the target.
	RelSupports = "supports"

	// RelFollows indicates the source memory temporally follows the target.
	RelFollows = "follows"

	// RelRelated is the generic fallback relationship. Symmetric.
	RelRelated = "related"
)

// ValidRelationshipTypes lists every relationship type accepted on an
// association edge.
var ValidRelationshipTypes = []string{
	RelCauses,
	RelFixes,
	RelContradicts,
	RelSupports,
	RelFollows,
	RelRelated,
}

// IsValidRelationshipType checks if the given relationship type is valid.
func IsValidRelationshipType(relType string) bool {
	for _, validType := range ValidRelationshipTypes {
		if validType == relType {
			return true
		}
	}
	return false
}

// IsSymmetricRelationship reports whether the relationship type has no
// inherent direction. Symmetric edges are persisted as two directed rows;
// asymmetric edges as one.
func IsSymmetricRelationship(relType string) bool {
	return relType == RelRelated || relType == RelContradicts
}

// MaxTagLength is the longest accepted tag. Longer tags are rejected as
// invalid input rather than truncated.
const MaxTagLength = 100

// Memory type constants. memory_type is free-form; these four are the
// canonical retention classes consulted by relevance decay. Unknown types
// decay as "standard".
const (
	MemoryTypeCritical  = "critical"  // near-permanent: decisions, credentials, contracts
	MemoryTypeReference = "reference" // long-lived lookup material
	MemoryTypeStandard  = "standard"  // default working notes
	MemoryTypeTemporary = "temporary" // scratch context, fast decay
)

// Reserved metadata keys. Callers may attach arbitrary metadata; these keys
// are owned by the system and written by chunking, quality scoring,
// consolidation, and file ingestion.
const (
	// Chunking (set by the memory service auto-splitter).
	MetaIsChunk        = "is_chunk"
	MetaChunkIndex     = "chunk_index"
	MetaTotalChunks    = "total_chunks"
	MetaOriginalLength = "original_length"

	// Quality scoring.
	MetaQualityScore        = "quality_score"
	MetaQualityProvider     = "quality_provider"
	MetaQualityConfidence   = "quality_confidence"
	MetaQualityCalculatedAt = "quality_calculated_at"
	MetaQualityHistory      = "quality_history"
	MetaAccessCount         = "access_count"
	MetaLastAccessedAt      = "last_accessed_at"

	// Consolidation.
	MetaRelevanceScore          = "relevance_score"
	MetaRelevanceCalculatedAt   = "relevance_calculated_at"
	MetaArchived                = "archived"
	MetaArchivedAt              = "archived_at"
	MetaQualityBoostApplied     = "quality_boost_applied"
	MetaQualityBoostDate        = "quality_boost_date"
	MetaQualityBoostReason      = "quality_boost_reason"
	MetaQualityBoostConnections = "quality_boost_connection_count"
	MetaOriginalQualityScore    = "original_quality_before_boost"
	MetaSourceMemoryHashes      = "source_memory_hashes"
	MetaTemporalSpan            = "temporal_span"

	// Provenance.
	MetaHostname     = "hostname"
	MetaSourceFile   = "source_file"   // set by the file importer
	MetaDocumentDate = "document_date" // frontmatter date, ISO form
)
