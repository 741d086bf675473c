// Package llm holds the model clients behind the three model-driven tasks:
// recommendation parsing, persona video choice, and relevance checking. Every
// task returns structured JSON; clients request JSON output from the provider
// and the task layer decodes it into the shared model types.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/feeddrift/feeddrift/pkg/config"
)

// Client is a chat-completion transport that returns the model's raw text
// response for a system/user prompt pair.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewClient builds the transport for one task configuration.
func NewClient(tc config.TaskConfig) (Client, error) {
	switch tc.Provider {
	case "openai":
		endpoint := tc.Endpoint
		if endpoint == "" {
			endpoint = "https://api.openai.com/v1"
		}
		return NewOpenAI(endpoint, tc.Model, tc.APIKey), nil
	case "openrouter":
		endpoint := tc.Endpoint
		if endpoint == "" {
			endpoint = "https://openrouter.ai/api/v1"
		}
		return NewOpenAI(endpoint, tc.Model, tc.APIKey), nil
	case "ollama":
		endpoint := tc.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		return NewOllama(endpoint, tc.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", tc.Provider)
	}
}

// stripFences removes a markdown code fence around a JSON payload. Some
// models wrap their structured output even when asked not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
