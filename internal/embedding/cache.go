package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of vectors kept by a cached provider.
const DefaultCacheSize = 4096

// CachedProvider decorates another Provider with an LRU vector cache keyed
// by the SHA-256 of the text, plus single-flight deduplication so that
// concurrent requests for the same text embed it once. Providers are
// deterministic within a process lifetime, so caching is safe.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
	group singleflight.Group
}

// NewCachedProvider wraps inner with a cache of the given size (0 uses
// DefaultCacheSize).
func NewCachedProvider(inner Provider, size int) (*CachedProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed serves cache hits directly and forwards the remaining texts to the
// inner provider in a single batch. The single-text path (the hot query
// path) additionally goes through singleflight.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := p.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := p.cache.Get(textKey(t)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		p.cache.Add(textKey(missTexts[j]), vec)
		out[missIdx[j]] = vec
	}
	return out, nil
}

func (p *CachedProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	key := textKey(text)
	if vec, ok := p.cache.Get(key); ok {
		return vec, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if vec, ok := p.cache.Get(key); ok {
			return vec, nil
		}
		vectors, err := p.inner.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		p.cache.Add(key, vectors[0])
		return vectors[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Dimension returns the inner provider's dimension.
func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }

// MaxInputChars returns the inner provider's per-text cap.
func (p *CachedProvider) MaxInputChars() int { return p.inner.MaxInputChars() }

// Model returns the inner provider's model identifier.
func (p *CachedProvider) Model() string { return p.inner.Model() }

// Len reports the number of cached vectors (for stats output).
func (p *CachedProvider) Len() int { return p.cache.Len() }

// Compile-time assertion.
var _ Provider = (*CachedProvider)(nil)
