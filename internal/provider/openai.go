// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// OPENAI-COMPATIBLE ADAPTER
// =============================================================================

// MaxResponseSize limits response bodies to prevent memory exhaustion.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// openAICompatible lists vendors served by this adapter shape. DeepSeek,
// Grok, Moonshot, and SiliconFlow all expose the OpenAI chat/completions
// wire format under different base URLs.
var openAIBaseURLs = map[string]string{
	"openai":       "https://api.openai.com/v1",
	"deepseek":     "https://api.deepseek.com/v1",
	"grok":         "https://api.x.ai/v1",
	"moonshot":     "https://api.moonshot.cn/v1",
	"silliconflow": "https://api.siliconflow.cn/v1",
}

// openAIContextWindows provides catalog context windows for common models.
var openAIContextWindows = map[string]int{
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"deepseek-chat": 64000,
	"grok-2":        131072,
}

// OpenAIAdapter drives any backend speaking the OpenAI chat/completions
// wire format. Safe for concurrent use.
type OpenAIAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible backend.
// name selects the default base URL when baseURL is empty.
func NewOpenAIAdapter(name, baseURL, apiKey string, timeout time.Duration) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = openAIBaseURLs[name]
	}
	if baseURL == "" {
		baseURL = openAIBaseURLs["openai"]
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIAdapter{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, &AdapterError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// HealthCheck implements Adapter. A cheap GET /models round-trip serves as
// the liveness probe; vendors with this wire format have no dedicated
// health endpoint.
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()

	req, err := a.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return HealthStatus{}, err
	}

	resp, err := a.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: "unexpected status: " + resp.Status}, nil
	}
	return HealthStatus{Healthy: true, ResponseTime: elapsed}, nil
}

// ListModels implements Adapter.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AdapterError{Kind: KindHTTP, Message: "failed to list models", Status: resp.StatusCode}
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&listing); err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	models := make([]ModelInfo, 0, len(listing.Data))
	for _, m := range listing.Data {
		window := openAIContextWindows[m.ID]
		if window == 0 {
			window = 8192
		}
		models = append(models, ModelInfo{
			ID:              m.ID,
			Capabilities:    []string{"chat"},
			ContextWindow:   window,
			InputCostPer1K:  0.002,
			OutputCostPer1K: 0.006,
		})
	}
	return models, nil
}

// openAIChatRequest is the chat/completions request shape.
type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

// Chat implements Adapter.
func (a *OpenAIAdapter) Chat(ctx context.Context, params ChatParams) (*Completion, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
	})
	if err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

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
		return nil, &AdapterError{Kind: KindHTTP, Message: "chat request failed", Status: resp.StatusCode}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&result); err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if len(result.Choices) == 0 {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "response contained no choices"}
	}

	return &Completion{
		Text:             result.Choices[0].Message.Content,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}, nil
}
