package cloudflare

import (
	"context"
	"fmt"
)

// vectorRecord is one NDJSON line for the Vectorize bulk endpoints. The ID
// is the content hash verbatim: 64 characters, within the service's 64-byte
// ID limit, and never prefixed.
type vectorRecord struct {
	ID       string                 `json:"id"`
	Values   []float32              `json:"values"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type vectorizeQueryRequest struct {
	Vector         []float32 `json:"vector"`
	TopK           int       `json:"topK"`
	ReturnValues   bool      `json:"returnValues"`
	ReturnMetadata string    `json:"returnMetadata"`
}

type vectorMatch struct {
	ID       string                 `json:"id"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type vectorizeQueryResult struct {
	Matches []vectorMatch `json:"matches"`
	Count   int           `json:"count"`
}

type vectorizeMutation struct {
	MutationID string `json:"mutationId"`
}

type vectorizeIndexInfo struct {
	VectorCount int64 `json:"vectorCount"`
	Dimensions  int   `json:"dimensions"`
}

func (s *Store) vectorizePath(op string) string {
	return fmt.Sprintf("/accounts/%s/vectorize/v2/indexes/%s/%s",
		s.cfg.AccountID, s.cfg.VectorizeIndex, op)
}

// upsertVectors writes a batch of vectors as NDJSON.
func (s *Store) upsertVectors(ctx context.Context, records []vectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	lines := make([]interface{}, len(records))
	for i, r := range records {
		lines[i] = r
	}
	var out vectorizeMutation
	if err := s.client.doNDJSON(ctx, "POST", s.vectorizePath("upsert"), lines, &out); err != nil {
		return fmt.Errorf("vectorize upsert: %w", err)
	}
	return nil
}

// queryVectors runs a similarity query. The returned score is the raw
// cosine similarity; callers convert to distance and the public score.
func (s *Store) queryVectors(ctx context.Context, vector []float32, topK int) ([]vectorMatch, error) {
	var out vectorizeQueryResult
	err := s.client.doJSON(ctx, "POST", s.vectorizePath("query"), vectorizeQueryRequest{
		Vector:         vector,
		TopK:           topK,
		ReturnValues:   false,
		ReturnMetadata: "none",
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}
	return out.Matches, nil
}

// deleteVectors removes vectors from the index by ID. The D1 row remains
// as the tombstone; only the searchable vector goes away.
func (s *Store) deleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var out vectorizeMutation
	err := s.client.doJSON(ctx, "POST", s.vectorizePath("delete_by_ids"),
		map[string]interface{}{"ids": ids}, &out)
	if err != nil {
		return fmt.Errorf("vectorize delete: %w", err)
	}
	return nil
}

// indexInfo fetches the index's current vector count for capacity checks.
func (s *Store) indexInfo(ctx context.Context) (*vectorizeIndexInfo, error) {
	var out vectorizeIndexInfo
	if err := s.client.doJSON(ctx, "GET", s.vectorizePath("info"), nil, &out); err != nil {
		return nil, fmt.Errorf("vectorize info: %w", err)
	}
	return &out, nil
}
