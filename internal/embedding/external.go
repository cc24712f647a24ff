package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// ExternalConfig holds configuration for an OpenAI-compatible embedding
// endpoint (POST {base}/v1/embeddings with a bearer key).
type ExternalConfig struct {
	BaseURL string // e.g. https://api.openai.com
	APIKey  string
	Model   string // default: text-embedding-3-small

	// Dimension is the vector dimension the model produces (default: 1536).
	Dimension int

	// MaxInputChars caps per-text input length; 0 means no declared cap.
	MaxInputChars int

	Timeout time.Duration // default: 30s
}

// ExternalProvider computes embeddings via any OpenAI-compatible API.
type ExternalProvider struct {
	cfg    ExternalConfig
	client *http.Client
}

// NewExternalProvider creates an external embedding provider with
// defaults applied.
func NewExternalProvider(cfg ExternalConfig) *ExternalProvider {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ExternalProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// externalEmbedRequest is the request body for POST /v1/embeddings.
type externalEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// externalEmbedResponse is the response body. Entries carry an index so
// the response may arrive out of order.
type externalEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed generates embeddings for the given texts in one batch call.
func (p *ExternalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(externalEmbedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint unreachable: %v", ErrEmbedding, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: endpoint returned status %d: %s", ErrEmbedding, resp.StatusCode, string(msg))
	}

	var parsed externalEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEmbedding, err)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}

	if err := validateBatch(vectors, len(texts), p.cfg.Dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the configured vector dimension.
func (p *ExternalProvider) Dimension() int { return p.cfg.Dimension }

// MaxInputChars returns the configured per-text cap (0 = none).
func (p *ExternalProvider) MaxInputChars() int { return p.cfg.MaxInputChars }

// Model returns the configured model name.
func (p *ExternalProvider) Model() string { return p.cfg.Model }

// Compile-time assertion.
var _ Provider = (*ExternalProvider)(nil)
