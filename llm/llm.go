// Package llm provides the small chat abstraction used by the negotiation
// policies and seller selection. Every caller keeps a deterministic fallback,
// so a missing key or a failing provider never blocks a purchase.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sage-x-project/sage-paywall/logger"
)

var ErrLLMDisabled = errors.New("llm client disabled (missing key or base url)")

// Client is the minimal interface used by the negotiation policies.
type Client interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// Provider names accepted in LLM_PROVIDER.
const (
	ProviderOpenAI       = "openai"
	ProviderGeminiNative = "gemini-native"
	ProviderAnthropic    = "anthropic"
	ProviderGoogleAI     = "googleai"
)

// OpenAIClient is an OpenAI-compatible chat.completions client. It also
// serves Gemini's OpenAI endpoint and local servers.
type OpenAIClient struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

type chatReq struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
	} `json:"error,omitempty"`
}

// NewFromEnv picks a provider from LLM_PROVIDER (default openai-compatible).
//
// Key precedence for openai: LLM_API_KEY > OPENAI_API_KEY > GEMINI_API_KEY > GOOGLE_API_KEY.
// Local base URLs (localhost/127.0.0.1) or LLM_ALLOW_NO_KEY=true allow an empty key.
// LLM_TIMEOUT takes a Go duration; LLM_TIMEOUT_MS is accepted too.
func NewFromEnv() (Client, error) {
	timeout := envTimeout()
	model := strings.TrimSpace(os.Getenv("LLM_MODEL"))

	switch strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER"))) {
	case ProviderGeminiNative, "gemini":
		key := firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"), os.Getenv("LLM_API_KEY"))
		if key == "" {
			return nil, ErrLLMDisabled
		}
		return NewGeminiClient(key, model, timeout), nil

	case ProviderAnthropic, "claude":
		key := firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("LLM_API_KEY"))
		if key == "" {
			return nil, ErrLLMDisabled
		}
		return NewAnthropicClient(key, model, timeout), nil

	case ProviderGoogleAI, "langchain":
		key := firstNonEmpty(os.Getenv("GOOGLE_API_KEY"), os.Getenv("GEMINI_API_KEY"))
		if key == "" {
			return nil, ErrLLMDisabled
		}
		return NewGoogleAIClient(context.Background(), key, model)

	case "", ProviderOpenAI:
		base := firstNonEmpty(os.Getenv("LLM_BASE_URL"), os.Getenv("LLM_URL"), os.Getenv("OPENAI_BASE_URL"))
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		base = normalizeBase(base)
		key := firstNonEmpty(os.Getenv("LLM_API_KEY"), os.Getenv("OPENAI_API_KEY"), os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
		allowNoKey := strings.EqualFold(os.Getenv("LLM_ALLOW_NO_KEY"), "true") || isLocal(base)
		if key == "" && !allowNoKey {
			return nil, ErrLLMDisabled
		}
		if model == "" {
			model = "gpt-4o-mini"
		}
		return &OpenAIClient{
			BaseURL: strings.TrimRight(base, "/"),
			APIKey:  key,
			Model:   model,
			HTTP:    newHTTPClient(timeout),
		}, nil

	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", os.Getenv("LLM_PROVIDER"))
	}
}

// Chat sends a synchronous chat.completions request.
func (c *OpenAIClient) Chat(ctx context.Context, system, user string) (string, error) {
	body := chatReq{
		Model:       c.Model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		MaxTokens:   400,
		Temperature: 0.3,
	}
	headers := map[string]string{}
	if strings.TrimSpace(c.APIKey) != "" {
		headers["Authorization"] = "Bearer " + c.APIKey
	}
	raw, err := postJSON(ctx, c.HTTP, c.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	var out chatResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("openai: decode failed: %w; raw=%s", err, truncate(raw, 256))
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai: %s", strings.TrimSpace(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: empty choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// statusError is a non-2xx provider response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string { return fmt.Sprintf("%d %s", e.Status, e.Body) }

// postJSON posts body and returns the response bytes. Rate limits and 5xx
// responses get one more attempt after a short pause.
func postJSON(ctx context.Context, hc *http.Client, endpoint string, headers map[string]string, body interface{}) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	log := logger.GetLogger().WithField("component", "llm")

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		res, err := hc.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			log.Debugf("request attempt %d failed: %v", attempt+1, err)
			continue
		}
		raw, _ := io.ReadAll(res.Body)
		res.Body.Close()

		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			lastErr = &statusError{Status: res.StatusCode, Body: truncate(raw, 256)}
			log.Debugf("request attempt %d got %d", attempt+1, res.StatusCode)
			continue
		}
		if res.StatusCode/100 != 2 {
			return nil, &statusError{Status: res.StatusCode, Body: truncate(raw, 256)}
		}
		return raw, nil
	}
	return nil, lastErr
}

// ExtractJSON returns the first top-level JSON object in s, tolerating code
// fences and prose around it.
func ExtractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ChatJSON asks for a JSON reply and decodes it into out.
func ChatJSON(ctx context.Context, c Client, system, user string, out interface{}) error {
	reply, err := c.Chat(ctx, system, user)
	if err != nil {
		return err
	}
	obj, ok := ExtractJSON(reply)
	if !ok {
		return fmt.Errorf("llm reply has no JSON object: %s", truncate([]byte(reply), 120))
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("decode llm reply: %w", err)
	}
	return nil
}

func envTimeout() time.Duration {
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_MS")); v != "" {
		if d, err := time.ParseDuration(v + "ms"); err == nil {
			return d
		}
	}
	return 12 * time.Second
}

func newHTTPClient(timeout time.Duration) *http.Client {
	hc := &http.Client{Timeout: timeout}
	if strings.EqualFold(os.Getenv("LLM_DEBUG_HTTP"), "true") {
		hc.Transport = &loggingRT{base: http.DefaultTransport, log: logger.GetLogger().WithField("component", "llm")}
	}
	return hc
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isLocal(u string) bool {
	return strings.Contains(u, "localhost") || strings.Contains(u, "127.0.0.1")
}

// normalizeBase adds /v1 for local OpenAI-compatible servers if necessary.
func normalizeBase(u string) string {
	s := strings.TrimRight(strings.TrimSpace(u), "/")
	if s == "" {
		return s
	}
	if isLocal(s) && !strings.HasSuffix(s, "/v1") && !strings.Contains(s, "/openai/v1") {
		s += "/v1"
	}
	return s
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
