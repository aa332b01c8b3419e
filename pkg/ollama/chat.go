package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/resilience"
)

// ChatClient calls Ollama's HTTP generate API, used by both summarization
// stages. Model internals (prompting, sampling) are out of scope here;
// this is just the transport.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewChatClient creates an Ollama text-generation client, breaker-guarded
// for the same reason EmbedClient is: Ollama is shared and should fail
// fast once it's unhealthy instead of queueing generate calls behind it.
func NewChatClient(baseURL, model string) *ChatClient {
	return &ChatClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type ollamaGenerateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResp struct {
	Response string `json:"response"`
}

func (c *ChatClient) generate(ctx context.Context, prompt, format string) (string, error) {
	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[ollamaGenerateResp] {
		body, _ := json.Marshal(ollamaGenerateReq{Model: c.model, Prompt: prompt, Format: format})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return fn.Err[ollamaGenerateResp](err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fn.Err[ollamaGenerateResp](fmt.Errorf("ollama generate: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fn.Err[ollamaGenerateResp](fmt.Errorf("ollama generate: status %d", resp.StatusCode))
		}

		var out ollamaGenerateResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fn.Err[ollamaGenerateResp](fmt.Errorf("ollama generate decode: %w", err))
		}
		return fn.Ok(out)
	})

	parsed, err := result.Unwrap()
	if err != nil {
		return "", err
	}
	return parsed.Response, nil
}

// Generate produces free-form text (stage 1 of summarization: the
// unstructured narrative).
func (c *ChatClient) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "")
}

// GenerateJSON produces text with Ollama's structured-output mode enabled,
// so the caller gets a JSON object back instead of having to coax one out
// of free-form prose (stage 2: structured summary extraction).
func (c *ChatClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "json")
}
