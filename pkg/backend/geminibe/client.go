// Package geminibe provides the Google Gemini secondary backend client, used
// when the secondary provider is configured as "gemini".
package geminibe

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"conductor/pkg/backend/faults"
)

// Client wraps the Google GenAI client to implement backend.Secondary.
type Client struct {
	mu     sync.Mutex
	client *genai.Client // Created lazily; genai.NewClient requires a context
	apiKey string
	model  string
}

// New creates a Gemini secondary backend client.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
	}
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindCredentialsAbsent, err, "failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

// Call implements backend.Secondary: one prompt in, free text out.
func (c *Client) Call(ctx context.Context, prompt string) (string, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	result, err := client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", faults.Classify(err)
	}
	if result == nil {
		return "", faults.New(faults.KindBackendCrash, "empty response from Gemini API")
	}

	text := result.Text()
	if text == "" {
		return "", faults.New(faults.KindBackendCrash, "no text content in Gemini response")
	}
	return text, nil
}
