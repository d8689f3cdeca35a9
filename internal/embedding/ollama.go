// Package embedding wraps the Ollama HTTP API for embedding and text
// generation, with retry on transient failures.
package embedding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/softsense/memoir/internal/logging"
)

// ErrPermanent marks failures that retrying cannot fix (client errors,
// malformed responses). Callers leave the entry dirty and move on.
var ErrPermanent = errors.New("permanent embedding failure")

const (
	maxAttempts = 4
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 8 * time.Second
)

// Client handles embedding and generation via Ollama.
type Client struct {
	baseURL         string
	model           string
	generationModel string
	client          *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewClient creates an Ollama client.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	return &Client{
		baseURL:         baseURL,
		model:           model,
		generationModel: "llama3.2",
		client: &http.Client{
			Timeout: 60 * time.Second, // generation can take longer
		},
		sleep: time.Sleep,
	}
}

// SetGenerationModel changes the model used for text generation.
func (c *Client) SetGenerationModel(model string) {
	c.generationModel = model
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text. Transient failures
// (network errors, timeouts, 429, 5xx) are retried with exponential
// backoff up to maxAttempts; 4xx responses fail immediately with
// ErrPermanent.
func (c *Client) Embed(text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text: %w", ErrPermanent)
	}

	reqBody := embeddingRequest{Model: c.model, Prompt: text}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.sleep(backoff(attempt - 1))
		}

		resp, err := c.client.Post(
			c.baseURL+"/api/embeddings",
			"application/json",
			bytes.NewReader(jsonBody),
		)
		if err != nil {
			lastErr = fmt.Errorf("ollama request: %w", err)
			logging.Debug("embedding", "attempt %d/%d failed: %v", attempt, maxAttempts, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			apiErr := fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
			if !retryableStatus(resp.StatusCode) {
				return nil, fmt.Errorf("%v: %w", apiErr, ErrPermanent)
			}
			lastErr = apiErr
			logging.Debug("embedding", "attempt %d/%d: status %d", attempt, maxAttempts, resp.StatusCode)
			continue
		}

		var result embeddingResponse
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode response: %v: %w", err, ErrPermanent)
		}
		if len(result.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding returned: %w", ErrPermanent)
		}
		return result.Embedding, nil
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", maxAttempts, lastErr)
}

// retryableStatus reports whether an HTTP status is worth retrying:
// rate limiting and server errors, nothing else.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func backoff(retry int) time.Duration {
	d := baseBackoff << (retry - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a text completion. Used by pre-search query
// reformulation; single attempt, since the caller has its own fallback.
func (c *Client) Generate(prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	reqBody := generateRequest{
		Model:  c.generationModel,
		Prompt: prompt,
		Stream: false,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.client.Post(
		c.baseURL+"/api/generate",
		"application/json",
		bytes.NewReader(jsonBody),
	)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.Response, nil
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1)
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
