// Package anthropicbe provides the Anthropic-backed primary backend client.
package anthropicbe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/backend"
	"conductor/pkg/backend/faults"
)

const defaultMaxTokens = 4096

// Client wraps the Anthropic API client to implement backend.Primary.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates an Anthropic primary backend client.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (c *Client) Name() string { return "anthropic" }

// Call implements backend.Primary. The task and artifact snapshot are rendered
// into a structured-output request; the response is decoded back into fields.
func (c *Client) Call(ctx context.Context, task string, snapshot map[string]any, perms []string) (*backend.StructuredResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, faults.New(faults.KindValidationFailure, "task description is empty")
	}

	userContent, err := renderRequest(task, snapshot, perms)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidationFailure, err, "task could not be rendered")
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{{
			Text: systemPrompt,
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userContent)),
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, faults.New(faults.KindBackendCrash, "empty response from Anthropic API")
	}

	return decodeResult(text.String(), string(c.model)), nil
}

const systemPrompt = "You are a task execution backend. Respond with a single JSON object " +
	"describing the task outcome. Do not include prose outside the JSON object."

func renderRequest(task string, snapshot map[string]any, perms []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)

	if len(snapshot) > 0 {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal context snapshot: %w", err)
		}
		fmt.Fprintf(&b, "\nContext artifacts:\n%s\n", data)
	}
	if len(perms) > 0 {
		fmt.Fprintf(&b, "\nGranted tool permissions: %s\n", strings.Join(perms, ", "))
	}
	return b.String(), nil
}

// decodeResult parses the model output into structured fields, keeping the raw
// text for audit. Non-JSON output is preserved under a single field rather
// than rejected; the primary is allowed to be imperfect.
func decodeResult(raw, model string) *backend.StructuredResult {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		fields = map[string]any{"text": raw}
	}
	return &backend.StructuredResult{
		Fields: fields,
		Raw:    raw,
		Model:  model,
	}
}

func classifyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return faults.FromStatusCode(apierr.StatusCode, err)
	}
	return faults.Classify(err)
}
