package pgvector

import (
	"context"
	"database/sql"
	"fmt"

	pgv "github.com/pgvector/pgvector-go"
)

// nullableVector scans the optional embedding column of the LEFT JOIN
// read path. A missing embeddings row arrives as SQL NULL, which the
// pgvector type itself does not accept.
type nullableVector struct {
	vec   pgv.Vector
	valid bool
}

func (n *nullableVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

// similarityScore maps cosine distance (0..2, as returned by <=>) onto the
// public 0..1 scale where 1 is an exact match.
func similarityScore(distance float64) float64 {
	score := 1 - distance/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func upsertEmbedding(ctx context.Context, tx *sql.Tx, contentHash string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_embeddings (content_hash, embedding)
		VALUES ($1, $2)
		ON CONFLICT (content_hash) DO UPDATE SET embedding = EXCLUDED.embedding`,
		contentHash, pgv.NewVector(vec)); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}
