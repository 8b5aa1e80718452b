package pipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient serves pipe calls directly from the Anthropic Messages API. The pipe
// name is sent as part of the system prompt so one model can play every pipe.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClient constructs a client using apiKey and model.
func NewAnthropicClient(apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client:    anthropic.NewClient(all...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Call sends the prompt as a single user message and concatenates the text blocks.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (Completion, error) {
	system := req.System
	if system == "" {
		system = fmt.Sprintf("You are the %s pipe of a service self-improvement loop. Reply with a single JSON object.", req.Pipe)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		System: []anthropic.TextBlockParam{{Text: system}},
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classify(req.Pipe, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Completion{}, &Error{Kind: KindParse, Pipe: req.Pipe, Err: fmt.Errorf("model returned no text")}
	}
	return Completion{Text: text.String(), Model: string(message.Model)}, nil
}
