// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"
	"time"
)

// =============================================================================
// ADAPTER FACTORY
// =============================================================================

// Settings carries the connection parameters for one backend.
type Settings struct {
	// Name selects the adapter family: "ollama", "anthropic", or any
	// OpenAI-compatible vendor ("openai", "deepseek", "grok", ...).
	Name string
	// BaseURL overrides the vendor default when non-empty.
	BaseURL string
	// APIKey is the decrypted credential. Unused by ollama.
	APIKey string
	// Timeout bounds each adapter call. Zero means the adapter default.
	Timeout time.Duration
	// RateLimit is requests per minute. Zero means unlimited.
	RateLimit int
}

// Factory builds adapters from provider settings.
type Factory struct {
	defaultTimeout time.Duration
}

// NewFactory creates a factory. defaultTimeout applies when a provider's
// settings carry no timeout of their own.
func NewFactory(defaultTimeout time.Duration) *Factory {
	return &Factory{defaultTimeout: defaultTimeout}
}

// New builds the adapter for the given settings. Unknown names fall through
// to the OpenAI-compatible adapter, which covers most cloud vendors.
func (f *Factory) New(s Settings) (Adapter, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = f.defaultTimeout
	}

	var adapter Adapter
	switch s.Name {
	case "ollama":
		adapter = NewOllamaAdapter(s.BaseURL, timeout)
	case "anthropic":
		adapter = NewAnthropicAdapter(s.BaseURL, s.APIKey, timeout)
	default:
		adapter = NewOpenAIAdapter(s.Name, s.BaseURL, s.APIKey, timeout)
	}

	if s.RateLimit > 0 {
		adapter = WithRateLimit(adapter, s.RateLimit)
	}
	return adapter, nil
}
