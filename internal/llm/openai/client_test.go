package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "```json\n{\"thought\":\"查询余额\",\"steps\":[{\"id\":\"a\",\"type\":\"api\",\"endpoint\":\"/balance\"}]}\n```",
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Goal:      "查询余额",
		TargetURL: "https://bank.example.com",
		History:   []llm.HistoryEntry{{StepID: "login", Outcome: "failed", Error: "timeout"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Thought != "查询余额" {
		t.Fatalf("unexpected thought: %q", resp.Thought)
	}
	if !strings.HasPrefix(resp.Content, "{") || !strings.Contains(resp.Content, `"/balance"`) {
		t.Fatalf("unexpected content: %q", resp.Content)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	if content, _ := user["content"].(string); !strings.Contains(content, "https://bank.example.com") || !strings.Contains(content, "login: failed") {
		t.Fatalf("user prompt missing context: %q", content)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", tc.status)
		}))

		client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		client.httpClient = srv.Client()

		_, err = client.Generate(context.Background(), llm.Request{Goal: "test"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if xerrors.CodeOf(err) != xerrors.CodePlanning || xerrors.RetryableError(err) != tc.retryable {
			t.Fatalf("status %d: want planning error retryable=%v, got %v", tc.status, tc.retryable, err)
		}
	}
}
