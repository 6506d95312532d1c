package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"go.uber.org/zap"
)

func TestGetAPIToken_DiscoversEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token oauth-tok" {
			t.Fatalf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "api-tok",
			"expires_at": 9999999999,
			"refresh_in": 1500,
			"endpoints":  map[string]string{"api": "https://discovered.example/api"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "https://default.example", zap.NewNop())
	tok, err := c.GetAPIToken(context.Background(), "oauth-tok")
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if tok.Token != "api-tok" {
		t.Fatalf("got token %q, want api-tok", tok.Token)
	}
	if tok.Endpoints["api"] != "https://discovered.example/api" {
		t.Fatalf("got endpoints %+v, want discovered api endpoint", tok.Endpoints)
	}
}

func TestGetAPIToken_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "https://default.example", zap.NewNop())
	_, err := c.GetAPIToken(context.Background(), "bad-tok")
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !apierror.Is(err, apierror.KindTokenExpired) {
		t.Fatalf("expected token_expired classification, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ModelListResponse{
			Data: []ModelEntry{
				{ID: "claude-3.5-sonnet", Capabilities: map[string]interface{}{"supports_streaming": true}},
				{ID: "gpt-4o"},
			},
		})
	}))
	defer srv.Close()

	c := New("https://identity.example", srv.URL, zap.NewNop())
	models, err := c.ListModels(context.Background(), srv.URL, "api-tok")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if !models[0].SupportsStreaming() {
		t.Fatal("expected streaming capability to be true")
	}
}

func TestListModels_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Header().Set("Retry-After", "30")
		w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	c := New("https://identity.example", srv.URL, zap.NewNop())
	_, err := c.ListModels(context.Background(), srv.URL, "api-tok")
	if !apierror.Is(err, apierror.KindRateLimit) {
		t.Fatalf("expected rate_limit classification, got %v", err)
	}
}

func TestPickPreferredClaude(t *testing.T) {
	tests := []struct {
		name   string
		ids    []string
		expect string
	}{
		{"exact priority match", []string{"claude-3.5-sonnet", "claude-sonnet-4"}, "claude-sonnet-4"},
		{"fuzzy claude match", []string{"claude-weird-variant"}, "claude-weird-variant"},
		{"first listed fallback", []string{"some-model"}, "some-model"},
		{"hard default", []string{}, "gpt-4o"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			models := make([]entity.ModelDescriptor, len(tc.ids))
			for i, id := range tc.ids {
				models[i] = entity.ModelDescriptor{ID: id}
			}
			got := pickPreferredClaude(models)
			if got != tc.expect {
				t.Fatalf("got %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestPickFallbackForRateLimit(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		current string
		expect  string
	}{
		{"prefers gpt-4o", []string{"gpt-4o", "gpt-3.5-turbo"}, "claude-sonnet-4", "gpt-4o"},
		{"any gpt id", []string{"gpt-3.5-turbo"}, "claude-sonnet-4", "gpt-3.5-turbo"},
		{"unchanged when no gpt listed", []string{"claude-sonnet-4"}, "claude-sonnet-4", "claude-sonnet-4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			models := make([]entity.ModelDescriptor, len(tc.ids))
			for i, id := range tc.ids {
				models[i] = entity.ModelDescriptor{ID: id}
			}
			got := pickFallbackForRateLimit(models, tc.current)
			if got != tc.expect {
				t.Fatalf("got %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestChatCompletion_Buffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Editor-Version") == "" {
			t.Fatal("expected Editor-Version header to be set")
		}
		json.NewEncoder(w).Encode(ChatResponse{
			ID:    "resp-1",
			Model: "gpt-4o",
			Choices: []ChatChoice{
				{Index: 0, Message: ChatMessage{Role: "assistant", Content: "hi"}, FinishReason: "stop"},
			},
			Usage: ChatUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	defer srv.Close()

	c := New("https://identity.example", srv.URL, zap.NewNop())
	resp, err := c.ChatCompletion(context.Background(), srv.URL, "api-tok", ChatCompletionParams{
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatCompletionStream_RelaysPayloadsUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected ResponseWriter to support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"chunk\":1}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"chunk\":2}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := New("https://identity.example", srv.URL, zap.NewNop())
	payloads, errCh := c.ChatCompletionStream(context.Background(), srv.URL, "api-tok", ChatCompletionParams{
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})

	var got []string
	for p := range payloads {
		got = append(got, p)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d payloads, want 2: %v", len(got), got)
	}
}
