// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package selector picks a local model and sampling parameters for a chat
// request based on intent, context length, latency target, and cost priority.
//
// The selection function is pure (no I/O, no randomness, no clock) so it can
// be exhaustively table-tested: identical inputs always produce identical
// decisions.
package selector

import "fmt"

// =============================================================================
// LATENCY TARGET
// =============================================================================

// LatencyTarget is the client-supplied latency SLA for a request.
type LatencyTarget string

const (
	// LatencyUltraLow targets sub-100ms responses.
	LatencyUltraLow LatencyTarget = "ultra_low"
	// LatencyLow targets 100-200ms responses.
	LatencyLow LatencyTarget = "low"
	// LatencyMedium targets 200-500ms responses. The default.
	LatencyMedium LatencyTarget = "medium"
	// LatencyHigh tolerates 500ms+ responses.
	LatencyHigh LatencyTarget = "high"
)

// ParseLatencyTarget maps a wire name to a LatencyTarget, defaulting to
// medium for unknown or empty input.
func ParseLatencyTarget(s string) LatencyTarget {
	switch LatencyTarget(s) {
	case LatencyUltraLow, LatencyLow, LatencyMedium, LatencyHigh:
		return LatencyTarget(s)
	}
	return LatencyMedium
}

// =============================================================================
// TIER TYPE
// =============================================================================

// Tier represents a cost/latency/quality point in the local model fleet.
// Ordered by escalation position: Fast < Balanced < LongContext < Quality.
type Tier int

const (
	// TierFast is the fastest, cheapest model. Classification, status
	// checks, micro-operations, and safety verification run here.
	TierFast Tier = iota
	// TierBalanced is the low-latency conversational model.
	TierBalanced
	// TierLongContext is the long-context, multilingual model used for
	// RAG, retrieval, and translation.
	TierLongContext
	// TierQuality is the strongest model: creative, coding, legal, and
	// high-quality explanation work.
	TierQuality
)

// String returns the human-readable name of the tier.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "Fast"
	case TierBalanced:
		return "Balanced"
	case TierLongContext:
		return "LongContext"
	case TierQuality:
		return "Quality"
	default:
		return fmt.Sprintf("Tier(%d)", t)
	}
}

// Next returns the next tier up the escalation ladder.
// The ladder is fixed: Fast -> Balanced -> LongContext -> Quality.
// Returns false when there is no higher tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierFast:
		return TierBalanced, true
	case TierBalanced:
		return TierLongContext, true
	case TierLongContext:
		return TierQuality, true
	default:
		return t, false
	}
}

// =============================================================================
// MODEL CONFIG
// =============================================================================

// ModelConfig is the static descriptor for one supported local model.
// Read-only reference data; selection returns copies, never pointers into
// the table.
type ModelConfig struct {
	ModelID       string   `json:"model_id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	BestFor       []string `json:"best_for"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	MaxTokens     int      `json:"max_tokens"`
	Stop          []string `json:"stop,omitempty"`
}

// modelConfigs maps each tier to its model descriptor.
var modelConfigs = map[Tier]ModelConfig{
	TierFast: {
		ModelID:       "gemma:2b",
		Provider:      "ollama",
		ContextWindow: 8192,
		BestFor:       []string{"ultra_fast", "classification", "status", "microop", "safety_verification"},
		Temperature:   0.0,
		TopP:          0.9,
		MaxTokens:     40,
	},
	TierBalanced: {
		ModelID:       "phi3:3.8b",
		Provider:      "ollama",
		ContextWindow: 4096,
		BestFor:       []string{"low_latency", "chat", "conversational", "confidence_scoring"},
		Temperature:   0.15,
		TopP:          0.9,
		MaxTokens:     128,
	},
	TierLongContext: {
		ModelID:       "qwen2.5:3b",
		Provider:      "ollama",
		ContextWindow: 32768,
		BestFor:       []string{"long_context", "multilingual", "rag", "retrieval"},
		Temperature:   0.0,
		TopP:          0.9,
		MaxTokens:     1024,
	},
	TierQuality: {
		ModelID:       "mistral:7b",
		Provider:      "ollama",
		ContextWindow: 8192,
		BestFor:       []string{"high_quality", "creative", "coding", "legal", "explain", "summarize"},
		Temperature:   0.2,
		TopP:          0.95,
		MaxTokens:     512,
		Stop:          []string{"\n\n"},
	},
}

// Config returns the model descriptor for a tier.
func Config(t Tier) ModelConfig {
	cfg, ok := modelConfigs[t]
	if !ok {
		return modelConfigs[TierBalanced]
	}
	return cfg
}

// TierForModel maps a model id back to its tier. Returns false for models
// outside the local fleet.
func TierForModel(modelID string) (Tier, bool) {
	for t, cfg := range modelConfigs {
		if cfg.ModelID == modelID {
			return t, true
		}
	}
	return 0, false
}

// =============================================================================
// PARAMS
// =============================================================================

// Params are the sampling parameters returned with a selection.
type Params struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop,omitempty"`
}

// paramsFor builds Params from a model config with a temperature override.
func paramsFor(cfg ModelConfig, temperature float64) Params {
	return Params{
		Temperature: temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Stop:        cfg.Stop,
	}
}
