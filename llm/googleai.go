package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// GoogleAIClient adapts a langchaingo model to Client.
type GoogleAIClient struct {
	Model llms.Model
}

// NewGoogleAIClient builds a googleai-backed client.
func NewGoogleAIClient(ctx context.Context, apiKey, model string) (*GoogleAIClient, error) {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	m, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("googleai: %w", err)
	}
	return &GoogleAIClient{Model: m}, nil
}

func (c *GoogleAIClient) Chat(ctx context.Context, system, user string) (string, error) {
	prompt := user
	if strings.TrimSpace(system) != "" {
		prompt = system + "\n\n" + user
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, c.Model, prompt, llms.WithTemperature(0.3))
	if err != nil {
		return "", fmt.Errorf("googleai: %w", err)
	}
	return strings.TrimSpace(out), nil
}
