package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to an Ollama-compatible API.
// See: https://github.com/ollama/ollama/blob/main/docs/api.md
type OllamaClient struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllama(endpoint, model string) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		model:    model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ollamaReq := struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Stream  bool   `json:"stream"`
		Format  string `json:"format"`
		Options struct {
			Temperature float64 `json:"temperature"`
		} `json:"options"`
	}{
		Model:  c.model,
		Stream: false,
		Format: "json",
	}
	ollamaReq.Options.Temperature = 0.1
	for _, m := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		ollamaReq.Messages = append(ollamaReq.Messages, struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: m.role, Content: m.content})
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", c.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	var ollamaResp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if ollamaResp.Message.Content == "" {
		return "", fmt.Errorf("empty response from model")
	}

	return ollamaResp.Message.Content, nil
}
