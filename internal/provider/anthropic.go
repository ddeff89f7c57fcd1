// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// ANTHROPIC ADAPTER
// =============================================================================

// DefaultAnthropicURL is the Anthropic messages API base URL.
const DefaultAnthropicURL = "https://api.anthropic.com/v1"

const anthropicVersion = "2023-06-01"

// anthropicCatalog is the static model catalog; the messages API has no
// listing endpoint, so ListModels reports known models.
var anthropicCatalog = []ModelInfo{
	{ID: "claude-3-haiku-20240307", Capabilities: []string{"chat"}, ContextWindow: 200000, InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},
	{ID: "claude-3-5-sonnet-20241022", Capabilities: []string{"chat", "vision"}, ContextWindow: 200000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{ID: "claude-3-opus-20240229", Capabilities: []string{"chat", "vision"}, ContextWindow: 200000, InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
}

// AnthropicAdapter drives the Anthropic messages API.
// Safe for concurrent use.
type AnthropicAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAnthropicAdapter creates an Anthropic adapter.
func NewAnthropicAdapter(baseURL, apiKey string, timeout time.Duration) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// HealthCheck implements Adapter. Sends a minimal messages request with
// max_tokens=1; an HTTP 200 or a 4xx other than auth failure proves the API
// is reachable and the key valid enough to route to.
func (a *AnthropicAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()

	_, err := a.Chat(ctx, ChatParams{
		Model:     "claude-3-haiku-20240307",
		Messages:  []model.Message{model.NewUserMessage("ping")},
		MaxTokens: 1,
	})
	elapsed := time.Since(start)

	if err != nil {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, ResponseTime: elapsed}, nil
}

// ListModels implements Adapter.
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	models := make([]ModelInfo, len(anthropicCatalog))
	copy(models, anthropicCatalog)
	return models, nil
}

// anthropicChatRequest is the messages API request shape. System prompts
// travel in a dedicated field, not in the message list.
type anthropicChatRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []model.Message `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

// Chat implements Adapter.
func (a *AnthropicAdapter) Chat(ctx context.Context, params ChatParams) (*Completion, error) {
	// Split the system prompt out of the conversation.
	var system []string
	messages := make([]model.Message, 0, len(params.Messages))
	for _, m := range params.Messages {
		if m.Role == model.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024 // max_tokens is required by the messages API
	}

	body, err := json.Marshal(anthropicChatRequest{
		Model:         params.Model,
		System:        strings.Join(system, "\n"),
		Messages:      messages,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		MaxTokens:     maxTokens,
		StopSequences: params.Stop,
	})
	if err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &AdapterError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, &AdapterError{Kind: KindHTTP, Message: apiErr.Error.Message, Status: resp.StatusCode}
		}
		return nil, &AdapterError{Kind: KindHTTP, Message: "messages request failed", Status: resp.StatusCode}
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&result); err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	var text strings.Builder
	for _, block := range result.Content {
		text.WriteString(block.Text)
	}

	return &Completion{
		Text:             text.String(),
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
	}, nil
}
