package openainarration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tinyland-inc/taleclaw/pkg/narration"
)

func newCompletionsServer(t *testing.T, status int, content string, requests *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		atomic.AddInt32(requests, 1)

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}

		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClient_Complete(t *testing.T) {
	var requests int32
	server := newCompletionsServer(t, http.StatusOK, "AI-1 lifts the lantern.", &requests)
	defer server.Close()

	c := NewClient("sk-test", server.URL+"/v1", Options{Model: "local-model"})
	got, err := c.Complete(t.Context(), narration.ActionPrompt("", nil, "AI-1", ""))
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got != "AI-1 lifts the lantern." {
		t.Errorf("Complete() = %q", got)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestClient_CompleteServerErrorNoRetry(t *testing.T) {
	var requests int32
	server := newCompletionsServer(t, http.StatusInternalServerError, "", &requests)
	defer server.Close()

	c := NewClient("sk-test", server.URL+"/v1/", Options{})
	_, err := c.Complete(t.Context(), narration.Prompt{Task: "x"})
	if !narration.IsServiceError(err) {
		t.Fatalf("Complete() error = %v, want ServiceError", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want exactly 1", n)
	}
}

func TestBuildParams(t *testing.T) {
	temp := 0.2
	params := buildParams(narration.ResolutionPrompt("", []string{"a"}), Options{MaxTokens: 99, Temperature: &temp})
	if params.Model != defaultModel {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.MaxCompletionTokens.Value != 99 {
		t.Errorf("MaxCompletionTokens = %d", params.MaxCompletionTokens.Value)
	}

	noSystem := buildParams(narration.Prompt{Task: "x"}, Options{})
	if len(noSystem.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(noSystem.Messages))
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := normalizeBaseURL(""); got != defaultBaseURL {
		t.Errorf("normalizeBaseURL(\"\") = %q", got)
	}
	if got := normalizeBaseURL("http://localhost:11434/v1"); got != "http://localhost:11434/v1/" {
		t.Errorf("normalizeBaseURL = %q", got)
	}
}
