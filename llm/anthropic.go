package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if timeout == 0 {
		timeout = 12 * time.Second
	}
	return &AnthropicClient{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.anthropic.com/v1",
		HTTP:    newHTTPClient(timeout),
	}
}

func (c *AnthropicClient) Chat(ctx context.Context, system, user string) (string, error) {
	req := anthropicRequest{
		Model:       c.Model,
		System:      strings.TrimSpace(system),
		Messages:    []anthropicMessage{{Role: "user", Content: user}},
		MaxTokens:   1024,
		Temperature: 0.3,
	}
	headers := map[string]string{
		"x-api-key":         c.APIKey,
		"anthropic-version": "2023-06-01",
	}
	raw, err := postJSON(ctx, c.HTTP, c.BaseURL+"/messages", headers, req)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("anthropic: decode failed: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("anthropic: %s - %s", out.Error.Type, out.Error.Message)
	}
	for _, block := range out.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", errors.New("anthropic: no text content found")
}
