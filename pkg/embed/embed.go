// Package embed provides the embedding clients the background embedding
// worker calls to turn a node's text content into a dense vector: Ollama
// for local open-source models, OpenAI for its cloud embedding API.
//
// Example:
//
//	embedder := embed.NewOllama(embed.DefaultOllamaConfig())
//	vec, err := embedder.Embed(ctx, "graph database")
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input in
	// the same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector length this embedder produces.
	Dimensions() int

	// Model returns the model name, for logging and diagnostics.
	Model() string
}

// Config holds the settings needed to talk to an embedding provider's
// HTTP API.
type Config struct {
	Provider   string        // "ollama" or "openai"
	APIURL     string        // base URL, e.g. http://localhost:11434
	APIPath    string        // endpoint path, e.g. /api/embeddings
	APIKey     string        // bearer token, OpenAI only
	Model      string        // model name requested from the provider
	Dimensions int           // expected vector length, for validation
	Timeout    time.Duration // per-request HTTP timeout
}

// DefaultOllamaConfig targets a local Ollama server running
// mxbai-embed-large (1024 dimensions).
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig targets OpenAI's text-embedding-3-small (1536
// dimensions) using apiKey for authentication.
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// postJSON marshals body, POSTs it to url with the given headers, and
// decodes the JSON response into out. Shared by the Ollama and OpenAI
// clients so the request/error plumbing lives in one place.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// OllamaEmbedder calls a local Ollama server's /api/embeddings endpoint.
// It has no native batch API, so EmbedBatch issues one request per text.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama returns an OllamaEmbedder for config, or DefaultOllamaConfig()
// if config is nil.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	return &OllamaEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a single embedding from Ollama.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaResponse
	req := ollamaRequest{Model: e.config.Model, Prompt: text}
	if err := postJSON(ctx, e.client, e.config.APIURL+e.config.APIPath, nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// EmbedBatch embeds each text in sequence (Ollama has no batch endpoint),
// aborting on the first failure.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		results[i] = embedding
	}
	return results, nil
}

// Dimensions returns the configured expected vector length.
func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the configured model name.
func (e *OllamaEmbedder) Model() string { return e.config.Model }

// OpenAIEmbedder calls OpenAI's /v1/embeddings endpoint, which natively
// batches up to 2048 texts per request.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI returns an OpenAIEmbedder for config, or
// DefaultOpenAIConfig("") if config is nil (which will fail requests
// without an API key set afterward).
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	return &OpenAIEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed requests a single embedding via EmbedBatch with a one-element
// input, since OpenAI has no separate single-text endpoint.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch embeds all of texts in a single request. The response's
// per-item Index is used to place each embedding back in input order,
// since OpenAI doesn't guarantee the data array arrives in request order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openaiResponse
	req := openaiRequest{Model: e.config.Model, Input: texts}
	headers := map[string]string{"Authorization": "Bearer " + e.config.APIKey}
	if err := postJSON(ctx, e.client, e.config.APIURL+e.config.APIPath, headers, req, &resp); err != nil {
		return nil, err
	}

	results := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		results[item.Index] = item.Embedding
	}
	return results, nil
}

// Dimensions returns the configured expected vector length.
func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

// Model returns the configured model name.
func (e *OpenAIEmbedder) Model() string { return e.config.Model }

// NewEmbedder builds the Embedder named by config.Provider ("ollama" or
// "openai"), so callers can select a provider dynamically (e.g. from an
// environment variable) without a type switch of their own.
func NewEmbedder(config *Config) (Embedder, error) {
	switch config.Provider {
	case "ollama":
		return NewOllama(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai requires an API key")
		}
		return NewOpenAI(config), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}
}
