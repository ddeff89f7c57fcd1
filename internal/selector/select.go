// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package selector

import (
	"fmt"
	"strings"

	"github.com/jeranaias/modelmux/internal/intent"
	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// SELECTION REQUEST / DECISION
// =============================================================================

// Request carries the inputs to a selection decision.
type Request struct {
	// Messages is the conversation so far. The last user message drives
	// intent detection when Intent is empty.
	Messages []model.Message
	// Intent is an explicit intent hint; empty means auto-detect.
	Intent intent.Intent
	// Latency is the latency SLA; zero value is treated as medium.
	Latency LatencyTarget
	// Context is extra caller-provided context (e.g. RAG documents),
	// counted toward context length but not part of the conversation.
	Context string
	// CostPriority prefers the cheapest model for tiny requests.
	CostPriority bool
}

// Decision is the outcome of a selection.
type Decision struct {
	Tier          Tier          `json:"tier"`
	Model         ModelConfig   `json:"model"`
	Params        Params        `json:"params"`
	Intent        intent.Intent `json:"intent"`
	ContextLength int           `json:"context_length"`
	Explanation   string        `json:"explanation"`
}

// =============================================================================
// SELECTION
// =============================================================================

// Long-context and small-request thresholds, in estimated tokens.
const (
	longContextThreshold  = 8000
	chatContextThreshold  = 2000
	costPriorityThreshold = 100
)

// Select picks a model tier and sampling parameters for a request.
//
// Rules are applied in exact precedence; the first matching rule wins:
//  1. ultra_low latency, micro intents, or cost priority on tiny requests
//     -> Fast tier, temperature 0.
//  2. long context, non-English, or rag/retrieval/translation intents
//     -> LongContext tier (temperature 0 for rag/retrieval, 0.3 otherwise).
//  3. low latency targets or short chat -> Balanced tier.
//  4. summarize/explain/code-gen/creative/legal -> Quality tier with
//     intent-specific temperature.
//  5. default -> Balanced tier.
//
// Pure function: no I/O, no hidden state.
func Select(req Request) Decision {
	in := req.Intent
	if in == "" {
		in = intent.Detect(req.Messages)
	}

	latency := req.Latency
	if latency == "" {
		latency = LatencyMedium
	}

	contextLength := intent.ContextLength(req.Messages)
	if req.Context != "" {
		contextLength += model.EstimateTokens(req.Context)
	}

	language := intent.DetectLanguage(model.LastUserContent(req.Messages))

	decide := func(t Tier, temperature float64) Decision {
		cfg := Config(t)
		return Decision{
			Tier:          t,
			Model:         cfg,
			Params:        paramsFor(cfg, temperature),
			Intent:        in,
			ContextLength: contextLength,
			Explanation:   Explain(t, in, contextLength, latency),
		}
	}

	// Rule 1: ultra-low latency or micro operations.
	if latency == LatencyUltraLow ||
		in == intent.Classification || in == intent.Status || in == intent.Microop ||
		(req.CostPriority && contextLength < costPriorityThreshold) {
		return decide(TierFast, Config(TierFast).Temperature)
	}

	// Rule 2: long context, multilingual, or retrieval-style work.
	if contextLength > longContextThreshold || language != "en" ||
		in == intent.RAG || in == intent.Retrieval || in == intent.Translation {
		temp := 0.3
		if in == intent.RAG || in == intent.Retrieval {
			temp = 0.0
		}
		return decide(TierLongContext, temp)
	}

	// Rule 3: low-latency conversational traffic.
	if latency == LatencyLow || latency == LatencyUltraLow ||
		(in == intent.Chat && contextLength < chatContextThreshold) {
		return decide(TierBalanced, Config(TierBalanced).Temperature)
	}

	// Rule 4: quality-sensitive intents.
	if in == intent.Summarize || in == intent.Explain || in == intent.CodeGen ||
		in == intent.Creative || in == intent.Legal {
		var temp float64
		switch in {
		case intent.CodeGen:
			temp = 0.0
		case intent.Creative:
			temp = 0.6
		default:
			temp = 0.2
		}
		return decide(TierQuality, temp)
	}

	// Rule 5: default to the balanced conversational model.
	return decide(TierBalanced, Config(TierBalanced).Temperature)
}

// =============================================================================
// ROUTING EXPLANATION
// =============================================================================

// Explain builds a human-readable explanation of a routing decision for the
// caller-facing response and the routing log.
func Explain(t Tier, in intent.Intent, contextLength int, latency LatencyTarget) string {
	var reasons []string

	switch t {
	case TierFast:
		if in == intent.Classification || in == intent.Status || in == intent.Microop {
			reasons = append(reasons, fmt.Sprintf("Intent: %s (micro task)", in))
		}
		if latency == LatencyUltraLow {
			reasons = append(reasons, "Ultra-low latency required")
		}
		reasons = append(reasons, "Optimized for: ultra-fast responses, classification, status checks")

	case TierBalanced:
		if latency == LatencyLow || latency == LatencyUltraLow {
			reasons = append(reasons, fmt.Sprintf("Low latency target: %s", latency))
		}
		if in == intent.Chat {
			reasons = append(reasons, "Conversational chat")
		}
		reasons = append(reasons, "Optimized for: low-latency chat, UI responses")

	case TierLongContext:
		if contextLength > longContextThreshold {
			reasons = append(reasons, fmt.Sprintf("Long context: %d tokens", contextLength))
		}
		if in == intent.RAG || in == intent.Retrieval || in == intent.Translation {
			reasons = append(reasons, fmt.Sprintf("Intent: %s", in))
		}
		reasons = append(reasons, "Optimized for: long documents, RAG, multilingual")

	case TierQuality:
		if in == intent.Summarize || in == intent.Explain || in == intent.CodeGen ||
			in == intent.Creative || in == intent.Legal {
			reasons = append(reasons, fmt.Sprintf("Intent: %s", in))
		}
		reasons = append(reasons, "Optimized for: high quality, creative, coding, explanations")
	}

	if len(reasons) == 0 {
		return "Default routing"
	}
	return strings.Join(reasons, " | ")
}
