// Package openai exposes an OpenAI-compatible /embeddings endpoint as a
// message featurizer. It produces fixed dense sentence vectors, so no
// fit phase is needed; the vector width is learned from the first reply.
package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// maxRetries bounds the attempts per Featurize call, transient failures
// included.
const maxRetries = 5

// Client calls a remote embeddings API and implements the featurizer
// contract over it.
type Client struct {
	endpoint  string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

// Config configures the embeddings client. The API key is read from the
// environment variable named by APIKeyEnv; the zero value of every
// other field falls back to the public OpenAI API.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
}

// withDefaults fills the unset fields with the public OpenAI values.
func (cfg Config) withDefaults() Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

// NewClient resolves the API key from the environment and builds the
// client. A missing key is a construction error, not a per-call one.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("openai featurizer: no API key in $%s", cfg.APIKeyEnv)
	}
	return &Client{
		endpoint: cfg.BaseURL + "/embeddings",
		apiKey:   key,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the identifier of this featurizer implementation.
func (c *Client) Name() string { return "openai" }

// Prepare is a no-op: the remote model is already trained. The vector
// dimension is set lazily on the first Featurize call.
func (c *Client) Prepare(corpus []string) error { return nil }

// Dimension returns the dimensionality of the produced feature vectors.
func (c *Client) Dimension() int { return c.dimension }

// Featurize requests an embedding vector for the given text, retrying
// transient failures with exponential backoff and honoring Retry-After.
func (c *Client) Featurize(text string) ([]float64, error) {
	type reqBody struct {
		Input  string `json:"input,omitempty"`
		Prompt string `json:"prompt,omitempty"`
		Model  string `json:"model"`
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		body := reqBody{Input: text, Prompt: text, Model: c.model}
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt < maxRetries {
				time.Sleep(retryDelay(attempt))
				continue
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			status := resp.Status
			c.backoffFor(resp, attempt)
			if attempt < maxRetries {
				continue
			}
			return nil, fmt.Errorf("embeddings request failed: %s", status)
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("embeddings request failed: %s", resp.Status)
		}

		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if attempt < maxRetries {
				time.Sleep(retryDelay(attempt))
				continue
			}
			return nil, err
		}

		if v := decodeEmbedding(payload); len(v) > 0 {
			if c.dimension == 0 {
				c.dimension = len(v)
			}
			return v, nil
		}
		if attempt < maxRetries {
			time.Sleep(retryDelay(attempt))
			continue
		}
	}
	return nil, errors.New("no embedding returned")
}

// decodeEmbedding accepts both the OpenAI response shape and the
// Ollama-native one.
func decodeEmbedding(payload []byte) []float64 {
	var openaiOut struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &openaiOut); err == nil {
		if len(openaiOut.Data) > 0 && len(openaiOut.Data[0].Embedding) > 0 {
			return openaiOut.Data[0].Embedding
		}
	}
	var ollamaOut struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(payload, &ollamaOut); err == nil {
		return ollamaOut.Embedding
	}
	return nil
}

// backoffFor closes the response and sleeps, preferring the server's
// Retry-After seconds over the default schedule.
func (c *Client) backoffFor(resp *http.Response, attempt int) {
	defer resp.Body.Close()
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			time.Sleep(time.Duration(secs) * time.Second)
			return
		}
	}
	time.Sleep(retryDelay(attempt))
}

// retryDelay is exponential backoff starting at 200ms, capped at 5s.
func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
