// Package semantic implements the Semantic Layer (spec §4.3.4): an
// embedding provider interface with a cache-wrapped SQL-backed store, a
// per-project vector store, and the rerank / vector-only scoring
// formulas.
//
// The HTTP request shape is grounded on the teacher's
// internal/ai/providers/openai.go OpenAIClient (bytes.Buffer body,
// context-aware http.Client, bearer auth header) adapted from chat
// completions to the OpenAI "embeddings" request/response shape every
// concrete provider in spec §6's env-var list is assumed to share.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// Provider embeds text into a fixed-dimension vector. Multiple concrete
// providers exist behind this one interface; every provider call is
// cache-wrapped by CachedProvider.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAICompatibleProvider implements Provider against any API sharing
// the OpenAI "embeddings" request/response shape (OpenAI itself, and
// OpenAI-compatible gateways), matching the corpus's general pattern of
// one adapter per wire-compatible family rather than per vendor.
type OpenAICompatibleProvider struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
}

// NewOpenAICompatibleProvider builds a provider against baseURL (default
// the public OpenAI endpoint when empty).
func NewOpenAICompatibleProvider(apiKey, model, baseURL string, dimensions int, timeout time.Duration) *OpenAICompatibleProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/embeddings"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAICompatibleProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{Timeout: timeout},
	}
}

func (p *OpenAICompatibleProvider) Dimensions() int { return p.dimensions }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed embeds a single string.
func (p *OpenAICompatibleProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, daemonerr.New(daemonerr.ProviderError, "empty embedding response")
	}
	return vecs[0], nil
}

// EmbedBatch embeds up to len(texts) strings in one request.
func (p *OpenAICompatibleProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.ProviderError, "encode embeddings request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.ProviderError, "build embeddings request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.ProviderError, "embeddings request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.ProviderError, "read embeddings response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, daemonerr.New(daemonerr.ProviderError, fmt.Sprintf("embeddings provider returned %d: %s", resp.StatusCode, string(raw)))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, daemonerr.Wrap(daemonerr.ProviderError, "decode embeddings response", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
