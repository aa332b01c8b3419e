// Package ollama provides an Ollama-backed embedding client.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/resilience"
)

// EmbedClient calls Ollama's HTTP embeddings API. It implements the
// rag.Embedder contract (EmbedBatch) without depending on rag, so it can be
// wired into any caller that needs per-text embeddings.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
}

// DefaultEmbedRate caps embedding calls at 8/s with a burst of 4, leaving
// headroom on the shared GPU for the transcription and summarization
// daemons' own load.
const DefaultEmbedRate = 8

// NewEmbedClient creates an Ollama embedding client. Requests trip a
// circuit breaker after repeated failures, since Ollama is a single shared
// GPU resource both daemons depend on and a stuck instance should fail
// fast rather than pile up retries against it, and are throttled by a
// token-bucket limiter so a large batch doesn't saturate it outright.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: rate.NewLimiter(rate.Limit(DefaultEmbedRate), DefaultEmbedRate/2),
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ollama embed: rate limit wait: %w", err)
	}

	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[ollamaEmbedResp] {
		body, _ := json.Marshal(ollamaEmbedReq{Model: c.model, Prompt: text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return fn.Err[ollamaEmbedResp](err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fn.Err[ollamaEmbedResp](fmt.Errorf("ollama embed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fn.Err[ollamaEmbedResp](fmt.Errorf("ollama embed: status %d", resp.StatusCode))
		}

		var out ollamaEmbedResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fn.Err[ollamaEmbedResp](fmt.Errorf("ollama embed decode: %w", err))
		}
		return fn.Ok(out)
	})

	parsed, err := result.Unwrap()
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds each text in turn (Ollama's HTTP API has no native
// batch endpoint) and returns the embeddings in input order. Stops and
// returns an error on the first failure, matching fn.Retry's expectation
// that a batch either fully succeeds or fails as a unit.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vals, err := c.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}
