package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/scrypster/keepsake/internal/storage"
)

// encodeVector packs a float32 vector into a little-endian blob, four bytes
// per component. The same layout is used by the remote vector index, so
// blobs survive a round trip through sync unchanged.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("%w: vector blob length %d is not a multiple of 4", storage.ErrSchema, len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Mismatched dimensions or zero vectors score -1 so they sink
// to the bottom of any ranking instead of failing the whole search.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// similarityScore maps cosine distance (0..2) onto the public 0..1 scale
// where 1 is an exact match.
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

// cosineDistance converts a cosine similarity (-1..1) to a distance (0..2).
func cosineDistance(similarity float64) float64 {
	d := 1 - similarity
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

func upsertEmbedding(ctx context.Context, tx *sql.Tx, contentHash string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_embeddings (content_hash, vector, dim)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET vector = excluded.vector, dim = excluded.dim`,
		contentHash, encodeVector(vec), len(vec)); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}
