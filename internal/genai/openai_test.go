package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func TestGenerateParsesJSONEnvelope(t *testing.T) {
	server := completionServer(t, `{"title":"Gingerbread Basics","body":"# Gingerbread\n\nMix and bake."}`)
	defer server.Close()

	client := NewOpenAIClient("test-key", "test-model", 512, 5*time.Second)
	client.baseURL = server.URL

	result, err := client.Generate(context.Background(), Request{SourceText: "transcript text"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Title != "Gingerbread Basics" {
		t.Errorf("unexpected title: %q", result.Title)
	}
	if result.Body == "" {
		t.Error("expected a body")
	}
}

func TestGenerateFallsBackToRawText(t *testing.T) {
	server := completionServer(t, "Just plain rewritten text.")
	defer server.Close()

	client := NewOpenAIClient("test-key", "test-model", 512, 5*time.Second)
	client.baseURL = server.URL

	result, err := client.Generate(context.Background(), Request{Instructions: "shorten"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Body != "Just plain rewritten text." {
		t.Errorf("unexpected body: %q", result.Body)
	}
}

func TestGenerateEmptyCompletion(t *testing.T) {
	server := completionServer(t, "")
	defer server.Close()

	client := NewOpenAIClient("test-key", "test-model", 512, 5*time.Second)
	client.baseURL = server.URL

	if _, err := client.Generate(context.Background(), Request{Instructions: "x"}); err == nil {
		t.Fatal("expected error for empty completion")
	}
}
