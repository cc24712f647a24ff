package types

// Association is a directed edge between two memories, identified by their
// content hashes. Symmetric relationship types (related, contradicts) are
// stored as two directed edges so that either endpoint finds the other;
// asymmetric types are stored once in their natural direction.
type Association struct {
	SourceHash       string                 `json:"source_hash"`
	TargetHash       string                 `json:"target_hash"`
	RelationshipType string                 `json:"relationship_type"`
	Similarity       float64                `json:"similarity"` // cosine similarity in [0,1]
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        float64                `json:"created_at,omitempty"` // float Unix seconds UTC
}

// Reverse returns the mirror edge used to persist the second direction of
// a symmetric association.
func (a *Association) Reverse() *Association {
	rev := *a
	rev.SourceHash, rev.TargetHash = a.TargetHash, a.SourceHash
	return &rev
}
