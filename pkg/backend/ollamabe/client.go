// Package ollamabe provides the Ollama-backed secondary backend client.
// Ollama is a local LLM runtime; it has weaker requirements than the primary
// (no API credentials) which is what makes it a useful degrade target.
package ollamabe

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"conductor/pkg/backend/faults"
)

const defaultHost = "http://localhost:11434"

// Client wraps the Ollama API client to implement backend.Secondary.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// New creates an Ollama secondary backend client.
// hostURL should be the Ollama server URL (e.g. "http://localhost:11434").
func New(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = defaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(defaultHost)
	}

	return &Client{
		client:  api.NewClient(parsed, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

func (c *Client) Name() string { return "ollama" }

// Call implements backend.Secondary: one prompt in, free text out.
func (c *Client) Call(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: &stream,
	}

	var output string
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		output += resp.Response
		return nil
	})
	if err != nil {
		return "", faults.Classify(err)
	}
	if output == "" {
		return "", faults.New(faults.KindBackendCrash, "empty response from Ollama")
	}

	return output, nil
}

// Host returns the configured server URL, used by health checks.
func (c *Client) Host() string { return c.hostURL }
