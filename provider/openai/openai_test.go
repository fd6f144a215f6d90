package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/mohammad-safakhou/dqagent/internal/agent/core"
)

func testConfig(baseURL string) config.LLMProvider {
	return config.LLMProvider{
		Type:       "openai",
		APIKey:     "test-key",
		BaseURL:    baseURL,
		MaxRetries: 2,
		Timeout:    5 * time.Second,
		Models: map[string]config.LLMModel{
			"gpt-4o": {Name: "gpt-4o", APIName: "gpt-4o-2024", MaxTokens: 512, Temperature: 0.1, CostPer1K: 0.005, CostPer1KOutput: 0.015},
		},
	}
}

func TestGenerateWithTokensSendsChatAndReturnsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-2024" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	p := New(testConfig(srv.URL))
	out, in, outTok, err := p.GenerateWithTokens(context.Background(), []core.ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("GenerateWithTokens: %v", err)
	}
	if out != "hello" || in != 12 || outTok != 3 {
		t.Fatalf("unexpected result %q %d %d", out, in, outTok)
	}
}

func TestGenerateWithTokensRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := New(testConfig(srv.URL))
	p.http.backoff = time.Millisecond
	out, _, _, err := p.GenerateWithTokens(context.Background(), []core.ChatMessage{{Role: "user", Content: "hi"}}, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("GenerateWithTokens: %v", err)
	}
	if out != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry then ok, got %q after %d calls", out, calls)
	}
}

func TestGenerateWithTokensDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(testConfig(srv.URL))
	if _, _, _, err := p.GenerateWithTokens(context.Background(), []core.ChatMessage{{Role: "user", Content: "hi"}}, "gpt-4o", nil); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestUnknownModelAndCost(t *testing.T) {
	p := New(testConfig("http://unused"))
	if _, _, _, err := p.GenerateWithTokens(context.Background(), nil, "missing", nil); err == nil {
		t.Fatalf("expected error for unknown model")
	}
	if got := p.CalculateCost(1000, 1000, "gpt-4o"); got != 0.02 {
		t.Fatalf("expected 0.02, got %f", got)
	}
	if got := p.CalculateCost(1000, 1000, "missing"); got != 0 {
		t.Fatalf("expected 0 for unknown model, got %f", got)
	}
	if models := p.GetAvailableModels(); len(models) != 1 || models[0] != "gpt-4o" {
		t.Fatalf("unexpected models %v", models)
	}
}
