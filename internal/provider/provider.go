// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the uniform adapter contract for LLM backends and
// the concrete vendor adapters implementing it.
//
// Every backend, cloud API or local runtime, is driven through the same
// three operations: health check, model listing, and chat completion. The
// scorer and orchestrator depend only on the Adapter interface, never on a
// concrete vendor type.
package provider

import (
	"context"
	"time"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// HealthStatus is the result of one health probe.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	// Error holds the failure detail when Healthy is false.
	Error string `json:"error,omitempty"`
}

// ResponseTimeMs returns the probe latency in milliseconds.
func (h HealthStatus) ResponseTimeMs() float64 {
	return float64(h.ResponseTime) / float64(time.Millisecond)
}

// ModelInfo describes one model offered by a backend.
type ModelInfo struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities"`
	ContextWindow int      `json:"context_window"`
	// Pricing in USD per 1K tokens. Zero for local models.
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}

// Supports reports whether the model advertises a capability.
func (m ModelInfo) Supports(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ChatParams carries a chat completion request to an adapter.
type ChatParams struct {
	Model       string
	Messages    []model.Message
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// Completion is the result of a chat call.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Adapter is the uniform interface to a single LLM backend.
//
// Chat returns a typed *AdapterError on transport or HTTP failure
// (4xx/5xx/timeout) rather than a sentinel value in the completion; callers
// distinguish failure kinds with the Is* helpers in this package.
type Adapter interface {
	// Name identifies the backend (e.g. "ollama", "openai").
	Name() string
	// HealthCheck probes the backend and reports liveness with latency.
	HealthCheck(ctx context.Context) (HealthStatus, error)
	// ListModels returns the backend's live model catalog.
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// Chat runs a completion and returns the generated text with token
	// usage when the backend reports it.
	Chat(ctx context.Context, params ChatParams) (*Completion, error)
}
