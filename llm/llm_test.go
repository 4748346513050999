package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		orig, had := os.LookupEnv(k)
		if v == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, v)
		}
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func clearKeys(t *testing.T) {
	setEnv(t, map[string]string{
		"LLM_API_KEY": "", "OPENAI_API_KEY": "", "GEMINI_API_KEY": "", "GOOGLE_API_KEY": "",
		"ANTHROPIC_API_KEY": "", "LLM_ALLOW_NO_KEY": "", "LLM_BASE_URL": "", "LLM_URL": "",
		"OPENAI_BASE_URL": "", "LLM_MODEL": "", "LLM_TIMEOUT": "", "LLM_TIMEOUT_MS": "",
	})
}

func TestNewFromEnv_OpenAI(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "openai", "OPENAI_API_KEY": "sk-test123"})

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	oaiClient, ok := client.(*OpenAIClient)
	if !ok {
		t.Fatalf("Expected OpenAIClient, got %T", client)
	}
	if oaiClient.APIKey != "sk-test123" {
		t.Errorf("Expected API key 'sk-test123', got '%s'", oaiClient.APIKey)
	}
	if oaiClient.Model != "gpt-4o-mini" {
		t.Errorf("Expected model 'gpt-4o-mini', got '%s'", oaiClient.Model)
	}
}

func TestNewFromEnv_GeminiNative(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "gemini-native", "GEMINI_API_KEY": "AIza-test123"})

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := client.(*GeminiClient); !ok {
		t.Fatalf("Expected GeminiClient, got %T", client)
	}
}

func TestNewFromEnv_Anthropic(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "anthropic", "ANTHROPIC_API_KEY": "sk-ant-test123"})

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ac, ok := client.(*AnthropicClient)
	if !ok {
		t.Fatalf("Expected AnthropicClient, got %T", client)
	}
	if ac.BaseURL != "https://api.anthropic.com/v1" {
		t.Errorf("Expected base URL 'https://api.anthropic.com/v1', got '%s'", ac.BaseURL)
	}
}

func TestNewFromEnv_MissingKey(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "openai"})

	if _, err := NewFromEnv(); err != ErrLLMDisabled {
		t.Errorf("Expected ErrLLMDisabled, got: %v", err)
	}
}

func TestNewFromEnv_LocalAllowsNoKey(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "", "LLM_BASE_URL": "http://localhost:11434"})

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("Expected no error for local base url, got: %v", err)
	}
	if got := client.(*OpenAIClient).BaseURL; got != "http://localhost:11434/v1" {
		t.Errorf("Expected /v1 appended, got %s", got)
	}
}

func TestNewFromEnv_CustomTimeout(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "openai", "OPENAI_API_KEY": "sk-test123", "LLM_TIMEOUT": "30s"})

	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := client.(*OpenAIClient).HTTP.Timeout; got != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", got)
	}
}

func TestNewFromEnv_UnknownProvider(t *testing.T) {
	clearKeys(t)
	setEnv(t, map[string]string{"LLM_PROVIDER": "mystery"})
	if _, err := NewFromEnv(); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		var req chatReq
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("Expected system+user messages, got %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello  "}}]}`))
	}))
	defer srv.Close()

	c := &OpenAIClient{BaseURL: srv.URL, APIKey: "k", Model: "m", HTTP: srv.Client()}
	out, err := c.Chat(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "hello" {
		t.Errorf("Expected 'hello', got %q", out)
	}
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := &OpenAIClient{BaseURL: srv.URL, Model: "m", HTTP: srv.Client()}
	out, err := c.Chat(context.Background(), "", "hi")
	if err != nil || out != "ok" {
		t.Fatalf("Expected 'ok' after retry, got %q, %v", out, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestOpenAIClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &OpenAIClient{BaseURL: srv.URL, Model: "m", HTTP: srv.Client()}
	if _, err := c.Chat(context.Background(), "", "hi"); err == nil {
		t.Fatal("Expected error for 401")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header")
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"claude says hi"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "", time.Second)
	c.BaseURL = srv.URL
	out, err := c.Chat(context.Background(), "sys", "hi")
	if err != nil || out != "claude says hi" {
		t.Errorf("Expected 'claude says hi', got %q, %v", out, err)
	}
}

func TestGeminiClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"gemini reply"}]}}]}`))
	}))
	defer srv.Close()

	c := NewGeminiClient("test-key", "gemini-test", time.Second)
	c.BaseURL = srv.URL
	out, err := c.Chat(context.Background(), "sys", "hi")
	if err != nil || out != "gemini reply" {
		t.Errorf("Expected 'gemini reply', got %q, %v", out, err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"price\": \"7.5\"}\n```", `{"price": "7.5"}`, true},
		{`Sure! {"a":{"b":"}"}} trailing`, `{"a":{"b":"}"}}`, true},
		{`no json here`, ``, false},
		{`{"unterminated": 1`, ``, false},
	}
	for _, tt := range tests {
		got, ok := ExtractJSON(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractJSON(%q): expected (%q, %v), got (%q, %v)", tt.input, tt.want, tt.ok, got, ok)
		}
	}
}

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Chat(ctx context.Context, system, user string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestChatJSON(t *testing.T) {
	var out struct {
		Price string `json:"price"`
	}
	c := &stubClient{reply: "Here you go: {\"price\": \"8.00\"}"}
	if err := ChatJSON(context.Background(), c, "", "", &out); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out.Price != "8.00" {
		t.Errorf("Expected price 8.00, got %s", out.Price)
	}
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	inner := &stubClient{err: errors.New("provider down")}
	g := NewGuarded(inner, time.Second)
	for i := 0; i < 5; i++ {
		g.Chat(context.Background(), "", "")
	}
	if inner.calls != 3 {
		t.Errorf("Expected breaker to stop calls after 3 failures, got %d calls", inner.calls)
	}
	if NewGuarded(nil, time.Second) != nil {
		t.Error("Expected nil client to stay nil")
	}
}

func TestRedact(t *testing.T) {
	in := []byte("POST / HTTP/1.1\r\nAuthorization: Bearer sk-secret\r\nx-api-key: abc123\r\n")
	out := string(redact(in))
	if strings.Contains(out, "sk-secret") || strings.Contains(out, "abc123") {
		t.Errorf("Expected secrets redacted, got %q", out)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Errorf("Expected 'b', got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}
