// Package inference is the compute-provider client a node uses to run
// delegated tasks.
//
// The provider is any service speaking the Ollama generate API:
//
//	POST /api/generate
//	  Body:     {"model": "...", "prompt": "...", "stream": false}
//	  Response: {"model": "...", "response": "...", "done": true}
//
// There is no retry. Calls pass through a circuit breaker so a provider that
// keeps failing is skipped quickly until it recovers.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultBaseURL is a provider on the local host.
const DefaultBaseURL = "http://127.0.0.1:11434"

// DefaultModel is requested when no model is configured.
const DefaultModel = "llama3"

// ErrUnavailable wraps calls rejected by an open circuit breaker.
var ErrUnavailable = errors.New("inference: provider unavailable")

// Client talks to one provider.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	trips      uint32
	cooldown   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithModel selects the model name sent with every request.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithAPIKey sets the Bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the default HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.trips = failures
		c.cooldown = cooldown
	}
}

// NewClient creates a client for the provider at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		trips:      5,
		cooldown:   30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	trips := c.trips
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "inference " + baseURL,
		MaxRequests: 1,
		Timeout:     c.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
	})
	return c
}

// ------------------------------------------------------------------ API types

// GenerateRequest is the JSON payload sent to POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateResponse is the JSON body returned by POST /api/generate.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// ------------------------------------------------------------------ public API

// Generate runs prompt and returns the provider's text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp GenerateResponse
		req := GenerateRequest{Model: c.model, Prompt: prompt}
		if err := c.post(ctx, "/api/generate", req, &resp); err != nil {
			return nil, err
		}
		return resp.Response, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", fmt.Errorf("inference generate: %w", err)
	}
	return out.(string), nil
}

// ------------------------------------------------------------------ HTTP helpers

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
