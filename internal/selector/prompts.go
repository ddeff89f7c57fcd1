// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package selector

import "github.com/jeranaias/modelmux/internal/intent"

// =============================================================================
// SYSTEM PROMPTS
// =============================================================================

// System prompt templates by use case. Every template carries an explicit
// anti-fabrication instruction; the rag template must tell the model to say
// information is not available rather than invent it.
const (
	promptDefault = "You are a concise, accurate assistant. Use numbered steps for procedures. " +
		"If unsure, say 'I don't know — check sources.' " +
		"Do not invent facts; if information depends on external sources label it."

	promptCreative = "You are a creative and imaginative assistant. Be expressive while remaining helpful. " +
		"Do not invent facts; if information depends on external sources label it."

	promptCode = "You are a precise coding assistant. Provide clean, working code with brief explanations. " +
		"Use best practices and include error handling. " +
		"Do not invent facts; if information depends on external sources label it."

	promptRAG = "You are a retrieval assistant. Answer based strictly on provided context. " +
		"If the answer is not in the context, say 'This information is not available in the provided context.' " +
		"Do not invent facts; cite sources when available."

	promptClassification = "You are a classification assistant. Provide only the requested classification without explanation. " +
		"Be precise and consistent. Do not invent facts."
)

// SystemPrompt returns the system prompt for an intent.
func SystemPrompt(in intent.Intent) string {
	switch in {
	case intent.CodeGen:
		return promptCode
	case intent.Creative:
		return promptCreative
	case intent.RAG, intent.Retrieval:
		return promptRAG
	case intent.Classification, intent.Status:
		return promptClassification
	default:
		return promptDefault
	}
}
