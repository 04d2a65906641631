package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	emaildomain "onebox-backend/internal/email/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// classificationTemperature keeps the model near-deterministic; category
// assignment should not be creative.
const classificationTemperature = 0.1

// Client wraps the chat-completion endpoint used for classification.
type Client struct {
	client openai.Client
	model  string
}

func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete sends one prompt in JSON mode and returns the raw response text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(classificationTemperature),
		MaxTokens:   openai.Int(4096),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
			return "", fmt.Errorf("%w: %v", emaildomain.ErrRateLimited, err)
		}
		return "", emaildomain.WithKind(emaildomain.KindTransientIO, fmt.Errorf("chat completion failed: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", emaildomain.WithKind(emaildomain.KindClassificationParse, fmt.Errorf("chat completion returned no choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
