package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// ExternalProvider calls an HTTP scoring API. The endpoint receives the
// memory's content and classification and returns a score with confidence.
// Opt-in: it only runs when configured with a URL.
type ExternalProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ExternalConfig configures the external scoring client.
type ExternalConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewExternalProvider creates an external scoring client.
func NewExternalProvider(cfg ExternalConfig) (*ExternalProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("external quality provider requires a base URL")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ExternalProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (p *ExternalProvider) Name() string { return ProviderExternal }

type externalScoreRequest struct {
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	MemoryType string   `json:"memory_type,omitempty"`
}

type externalScoreResponse struct {
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Score posts the memory to the scoring endpoint.
func (p *ExternalProvider) Score(ctx context.Context, m *types.Memory) (*Assessment, error) {
	payload, err := json.Marshal(externalScoreRequest{
		Content:    m.Content,
		Tags:       m.Tags,
		MemoryType: m.MemoryType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal quality request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create quality request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quality request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read quality response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quality API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out externalScoreResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode quality response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("quality API error: %s", out.Error)
	}

	return &Assessment{
		Score:        clamp01(out.Score),
		Confidence:   clamp01(out.Confidence),
		Provider:     ProviderExternal,
		Explanation:  out.Explanation,
		CalculatedAt: types.UnixSeconds(time.Now()),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
