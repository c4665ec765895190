package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "mxbai-embed-large"

	// DefaultOllamaDimension is the embedding dimension for mxbai-embed-large.
	DefaultOllamaDimension = 1024

	// DefaultBatchSize is the number of texts sent per request.
	DefaultBatchSize = 20

	// DefaultBatchTimeout bounds one batch request.
	DefaultBatchTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries per batch after the first
	// attempt.
	DefaultMaxRetries = 2
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: mxbai-embed-large).
	Model string

	// Dimension is the required embedding dimension; vectors of any other
	// dimension are rejected.
	Dimension int

	// BatchSize is the number of texts per request (default: 20).
	BatchSize int

	// BatchTimeout bounds each batch request (default: 30s).
	BatchTimeout time.Duration

	// MaxRetries is the retry budget per batch (default: 2).
	MaxRetries int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaEmbedder implements the Embedder interface using Ollama's batch
// embedding API.
type OllamaEmbedder struct {
	baseURL      string
	model        string
	dimension    int
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int
	client       *http.Client
}

// ollamaRequest represents the request body for the /api/embed endpoint.
type ollamaRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

// ollamaResponse represents the response from the /api/embed endpoint.
type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates a new Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultOllamaDimension
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &OllamaEmbedder{
		baseURL:      baseURL,
		model:        model,
		dimension:    dimension,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		maxRetries:   maxRetries,
		client:       client,
	}
}

// Embed generates one vector per input text, batching requests and retrying
// transient failures. Any batch's terminal failure fails the whole call.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fault.Wrap(fault.EmbeddingFailed, err, "embedding batch starting at %d failed", start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// embedBatch sends one batch with retries. Context cancellation is never
// retried.
func (e *OllamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := e.requestBatch(ctx, texts)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *OllamaEmbedder) requestBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	jsonBody, err := json.Marshal(ollamaRequest{
		Model:    e.model,
		Input:    texts,
		Truncate: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embed", e.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(ollamaResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(ollamaResp.Embeddings))
	}
	for i, vector := range ollamaResp.Embeddings {
		if len(vector) != e.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vector), e.dimension)
		}
	}

	return ollamaResp.Embeddings, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

// Ensure OllamaEmbedder implements Embedder interface.
var _ Embedder = (*OllamaEmbedder)(nil)
