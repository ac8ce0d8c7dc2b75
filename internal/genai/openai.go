package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements Generator using OpenAI's chat completions API.
type OpenAIClient struct {
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	baseURL    string
}

// NewOpenAIClient creates a generator backed by the OpenAI API.
func NewOpenAIClient(apiKey, model string, maxTokens int, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    openaiAPIURL,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Result, error) {
	payload := chatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("generation API returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("parse generation response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, ErrEmptyGeneration
	}

	return parseCompletion(parsed.Choices[0].Message.Content)
}

func systemPrompt(req Request) string {
	if req.SourceText != "" && req.Instructions == "" {
		return "You are a content author. Draft long-form markdown from the supplied source material. " +
			"Respond with JSON: {\"title\": string, \"body\": string}."
	}
	return "You are a content editor. Rewrite the supplied markdown following the instructions, " +
		"preserving tone and factual claims. Respond with JSON: {\"body\": string}."
}

func userPrompt(req Request) string {
	var b strings.Builder
	if req.Instructions != "" {
		b.WriteString("Instructions:\n")
		b.WriteString(req.Instructions)
		b.WriteString("\n\n")
	}
	if req.SourceText != "" {
		b.WriteString("Text:\n")
		b.WriteString(req.SourceText)
		b.WriteString("\n")
	}
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
		}
	}
	return b.String()
}

// parseCompletion accepts either the requested JSON envelope or, when the
// model ignores the format, the raw text as body.
func parseCompletion(content string) (Result, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var envelope struct {
		Title       string         `json:"title"`
		Body        string         `json:"body"`
		Frontmatter map[string]any `json:"frontmatter"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Body != "" {
		return Result{Title: envelope.Title, Body: envelope.Body, Frontmatter: envelope.Frontmatter}, nil
	}
	if trimmed == "" {
		return Result{}, ErrEmptyGeneration
	}
	return Result{Body: trimmed}, nil
}
