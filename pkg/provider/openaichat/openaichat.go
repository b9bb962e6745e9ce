// Package openaichat implements provider.Provider for OpenAI-compatible
// Chat Completions backends (Groq, vLLM, OpenAI proper).
package openaichat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/provider"
)

// ChatProvider implements provider.Provider for Chat Completions backends.
type ChatProvider struct {
	cfg    Config
	client *http.Client
}

// Ensure ChatProvider implements provider.Provider at compile time.
var _ provider.Provider = (*ChatProvider)(nil)

// New creates a new ChatProvider with the given configuration.
// Returns an error if the configuration is invalid.
func New(cfg Config) (*ChatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaichat: BaseURL is required")
	}

	// Normalize: remove trailing slash from base URL.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &ChatProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *ChatProvider) Name() string {
	return "openaichat"
}

// Complete performs non-streaming inference against the Chat Completions endpoint.
func (p *ChatProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	chatReq := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := p.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	debug.Log("provider", "completion request", "url", url, "model", req.Model, "messages", len(req.Messages))
	debug.Raw("provider", string(body))

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp)
	}

	var chatResp chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}

	if len(chatResp.Choices) == 0 {
		return nil, api.NewModelError("backend returned no choices")
	}

	choice := chatResp.Choices[0]
	return &provider.Response{
		Text:      choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Model:     chatResp.Model,
		Usage: provider.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}

// Close releases provider resources.
func (p *ChatProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
