// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// OLLAMA ADAPTER
// =============================================================================

// DefaultOllamaURL is the default Ollama API base URL.
// Note: explicit IPv4 address instead of localhost avoids IPv6 resolution
// issues on Windows.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// ollamaContextWindows maps known model families to context windows for
// catalog reporting. Unknown models fall back to 4096.
var ollamaContextWindows = map[string]int{
	"mistral:7b":  8192,
	"qwen2.5:3b":  32768,
	"phi3:3.8b":   4096,
	"gemma:2b":    8192,
	"llama3.2:3b": 8192,
}

// OllamaAdapter drives a local Ollama runtime through its native API.
// Safe for concurrent use.
type OllamaAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaAdapter creates an Ollama adapter.
// timeout bounds non-streaming calls; generation against local models has
// been observed up to ~15s per call, so callers should pass a generous value.
func NewOllamaAdapter(baseURL string, timeout time.Duration) *OllamaAdapter {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OllamaAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

// HealthCheck implements Adapter.
func (a *OllamaAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		return HealthStatus{}, &AdapterError{Kind: KindConnection, Message: "failed to create request", Cause: err}
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

// ollamaTagsResponse is the /api/tags response shape.
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels implements Adapter.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &AdapterError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AdapterError{Kind: KindHTTP, Message: "failed to list models", Status: resp.StatusCode}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		window := ollamaContextWindows[m.Name]
		if window == 0 {
			window = 4096
		}
		models = append(models, ModelInfo{
			ID:            m.Name,
			Capabilities:  []string{"chat"},
			ContextWindow: window,
			// Local models are free.
		})
	}
	return models, nil
}

// ollamaChatRequest is the /api/chat request shape.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []model.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ollamaChatResponse is the non-streaming /api/chat response shape.
type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Chat implements Adapter.
func (a *OllamaAdapter) Chat(ctx context.Context, params ChatParams) (*Completion, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    params.Model,
		Messages: params.Messages,
		Stream:   false,
		Options: &ollamaOptions{
			Temperature: params.Temperature,
			TopP:        params.TopP,
			NumPredict:  params.MaxTokens,
			Stop:        params.Stop,
		},
	})
	if err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &AdapterError{Kind: KindConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

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
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, &AdapterError{Kind: KindHTTP, Message: apiErr.Error, Status: resp.StatusCode}
		}
		return nil, &AdapterError{Kind: KindHTTP, Message: "chat request failed", Status: resp.StatusCode}
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if result.Error != "" {
		return nil, &AdapterError{Kind: KindInvalidResponse, Message: result.Error}
	}

	return &Completion{
		Text:             result.Message.Content,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}

// wrapTransportErr maps a net/http error to a typed adapter error.
func wrapTransportErr(err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AdapterError{Kind: KindTimeout, Message: "request timed out", Cause: err}
	}
	return &AdapterError{Kind: KindConnection, Message: "provider is not reachable", Cause: err}
}
