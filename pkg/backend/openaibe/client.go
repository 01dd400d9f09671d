// Package openaibe provides the OpenAI-backed primary backend client, used
// when the primary provider is configured as "openai".
package openaibe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conductor/pkg/backend"
	"conductor/pkg/backend/faults"
)

// Client wraps the official OpenAI Go client to implement backend.Primary.
type Client struct {
	client openai.Client
	model  string
}

// New creates an OpenAI primary backend client.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *Client) Name() string { return "openai" }

const systemPrompt = "You are a task execution backend. Respond with a single JSON object " +
	"describing the task outcome. Do not include prose outside the JSON object."

// Call implements backend.Primary.
func (c *Client) Call(ctx context.Context, task string, snapshot map[string]any, perms []string) (*backend.StructuredResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, faults.New(faults.KindValidationFailure, "task description is empty")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	if len(snapshot) > 0 {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return nil, faults.Wrap(faults.KindValidationFailure, err, "context snapshot could not be serialized")
		}
		fmt.Fprintf(&b, "\nContext artifacts:\n%s\n", data)
	}
	if len(perms) > 0 {
		fmt.Fprintf(&b, "\nGranted tool permissions: %s\n", strings.Join(perms, ", "))
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(b.String()),
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, faults.New(faults.KindBackendCrash, "empty response from OpenAI API")
	}

	raw := resp.Choices[0].Message.Content
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		fields = map[string]any{"text": raw}
	}

	return &backend.StructuredResult{
		Fields: fields,
		Raw:    raw,
		Model:  c.model,
	}, nil
}

func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return faults.FromStatusCode(apierr.StatusCode, err)
	}
	return faults.Classify(err)
}
