package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New("deepseek", provider.Options{
		ID:      "deepseek",
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestComplete_Mock(t *testing.T) {
	var got openAIRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "test-id",
			"model": "deepseek-chat",
			"choices": [{"message": {"role": "assistant", "content": "Hello from mock!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`))
	})

	req := provider.NewRequest("hi")
	req.SystemPrompt = "be brief"

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Content)
	}
	if resp.PromptTokens != 15 || resp.CompletionTokens != 25 || resp.TotalTokens != 40 {
		t.Errorf("unexpected usage %+v", resp)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %s", resp.FinishReason)
	}
	if got.Model != "deepseek-chat" {
		t.Errorf("default alias should resolve to deepseek-chat, got %s", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("expected system + user messages, got %+v", got.Messages)
	}
	if got.TopP != provider.DefaultTopP || got.MaxTokens != provider.DefaultMaxTokens {
		t.Errorf("sampling parameters not forwarded: %+v", got)
	}
}

func TestComplete_VisionParts(t *testing.T) {
	var raw map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "a cat"}}]}`))
	})

	req := provider.NewRequest("what is this?")
	req.Images = []string{"https://example.com/cat.png"}

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	msgs := raw["messages"].([]any)
	content, ok := msgs[0].(map[string]any)["content"].([]any)
	if !ok || len(content) != 2 {
		t.Fatalf("expected multipart content, got %v", msgs[0])
	}
	if content[1].(map[string]any)["type"] != "image_url" {
		t.Errorf("expected image_url part, got %v", content[1])
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   provider.Kind
	}{
		{http.StatusTooManyRequests, provider.KindTransient},
		{http.StatusBadGateway, provider.KindTransient},
		{http.StatusUnauthorized, provider.KindAuth},
		{http.StatusBadRequest, provider.KindInvalidRequest},
	}

	for _, tc := range cases {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
		})

		_, err := p.Complete(context.Background(), provider.NewRequest("hi"))
		var pe *provider.Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected *provider.Error, got %v", tc.status, err)
		}
		if pe.Kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %s", tc.status, tc.kind, pe.Kind)
		}
		if pe.Message != "boom" {
			t.Errorf("status %d: expected vendor message, got %q", tc.status, pe.Message)
		}
	}
}

func TestComplete_UndecodableBodyIsUnknown(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := p.Complete(context.Background(), provider.NewRequest("hi"))
	if provider.KindOf(err) != provider.KindUnknown {
		t.Errorf("expected unknown kind, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data": [{"id": "deepseek-chat"}, {"id": "deepseek-reasoner"}]}`))
	})

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0].Provider != "deepseek" {
		t.Errorf("unexpected models %+v", models)
	}
}

func TestListModels_ConfiguredCatalog(t *testing.T) {
	p, err := New("qwen", provider.Options{
		Models: []provider.ModelDescriptor{{Name: "qwen-vl-plus", Vision: true}, {Name: "qwen-plus"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0].Name != "qwen-plus" || models[0].Provider != "qwen" {
		t.Errorf("unexpected catalog %+v", models)
	}
}

func TestHealthProbe(t *testing.T) {
	var got openAIRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "pong"}}]}`))
	})

	if err := p.HealthProbe(context.Background()); err != nil {
		t.Fatalf("HealthProbe failed: %v", err)
	}
	if got.MaxTokens != 1 {
		t.Errorf("probe should request a single token, got %d", got.MaxTokens)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New("claude", provider.Options{}); err == nil {
		t.Error("expected error for non OpenAI-compatible kind")
	}
	if Supports("claude") || !Supports("local") {
		t.Error("Supports returned wrong answer")
	}
}
