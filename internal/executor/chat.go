// Package executor provides Task Executor implementations: a chat-completions
// client for QA suites and a compile-and-time harness for optimization
// suites. The scheduler only sees the Executor interface.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modelbench/internal/domain"
)

// Chat invokes an OpenAI-compatible chat-completions endpoint and judges the
// reply against the task's acceptance matchers.
type Chat struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	// PricePerMTokens converts token usage to cost; zero disables costing.
	PricePerMTokens float64
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Chat) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Execute performs one logical invocation. It completes or fails within the
// caller's deadline; cancellation beyond that is the transport's best effort.
func (c *Chat) Execute(ctx context.Context, w domain.Worker, t domain.Task) (domain.ExecResult, error) {
	start := time.Now()
	output, tokens, err := c.complete(ctx, w, t.Fields.System, t.Fields.Prompt)
	if err != nil {
		return domain.ExecResult{}, err
	}
	return domain.ExecResult{
		Output:     output,
		Correct:    Judge(output, t.Fields.Accept, t.Fields.Reject),
		DurationMs: time.Since(start).Milliseconds(),
		Cost:       c.PricePerMTokens * float64(tokens) / 1e6,
		Tokens:     tokens,
	}, nil
}

func (c *Chat) complete(ctx context.Context, w domain.Worker, system, prompt string) (string, int, error) {
	msgs := []chatMessage{}
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	body, err := json.Marshal(chatRequest{Model: w.Model, Messages: msgs})
	if err != nil {
		return "", 0, err
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("model %s: status %d: %s", w.Model, resp.StatusCode, truncate(string(data), 200))
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", 0, fmt.Errorf("model %s: decode response: %w", w.Model, err)
	}
	if parsed.Error != nil {
		return "", 0, fmt.Errorf("model %s: %s", w.Model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("model %s: empty choices", w.Model)
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, nil
}

// Judge scores an answer: correct iff any accept matcher appears in the
// output and no reject matcher does. Matching is case-insensitive on trimmed
// text, mirroring the signature normalization of the matcher sets.
func Judge(output string, accept, reject []string) bool {
	haystack := strings.ToLower(output)
	for _, m := range reject {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(haystack, m) {
			return false
		}
	}
	for _, m := range accept {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
