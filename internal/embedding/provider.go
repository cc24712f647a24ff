// Package embedding turns text into fixed-dimension float32 vectors.
//
// A Provider is an injected capability: the storage backends never know
// which model produces the vectors, only the dimension and the optional
// per-item input limit. Results are deterministic for a given text within
// a process lifetime, so they can be cached by content hash.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding marks provider failures (model unavailable, bad response,
// dimension mismatch). Storage layers surface it as a storage-level
// failure; it is never silently coerced to a zero vector.
var ErrEmbedding = errors.New("embedding failed")

// Provider is the embedding capability injected into storage backends.
type Provider interface {
	// Embed returns one vector per input text, order preserved, each of
	// length Dimension().
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed vector dimension for this provider.
	Dimension() int

	// MaxInputChars returns the hard per-text input limit, or 0 when the
	// provider declares none (the storage backend's content limit then
	// governs chunking).
	MaxInputChars() int

	// Model returns the model identifier for stats and health output.
	Model() string
}

// validateBatch checks the response shape shared by all HTTP providers.
func validateBatch(vectors [][]float32, want int, dim int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbedding, len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrEmbedding, i, len(v), dim)
		}
	}
	return nil
}
