// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package intent classifies chat requests for routing decisions.
//
// Classification is deliberately simple: deterministic, case-insensitive
// keyword matching against the last user message, evaluated in a fixed
// priority order. First match wins, no scoring, no ties. The functions here
// are pure and unit-testable without network access.
package intent

import (
	"strings"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// INTENT TYPE
// =============================================================================

// Intent is the coarse classification of what the user wants.
// It drives model selection and is immutable once detected per request.
type Intent string

const (
	Summarize      Intent = "summarize"
	Explain        Intent = "explain"
	CodeGen        Intent = "code-gen"
	Creative       Intent = "creative"
	Retrieval      Intent = "retrieval"
	RAG            Intent = "rag"
	Chat           Intent = "chat"
	Classification Intent = "classification"
	Status         Intent = "status"
	Microop        Intent = "microop"
	Legal          Intent = "legal"
	Translation    Intent = "translation"
)

// String returns the wire name of the intent.
func (i Intent) String() string {
	return string(i)
}

// Parse maps a wire name to an Intent. Returns false for unknown names so
// callers can fall back to auto-detection instead of guessing.
func Parse(s string) (Intent, bool) {
	switch Intent(strings.ToLower(s)) {
	case Summarize, Explain, CodeGen, Creative, Retrieval, RAG, Chat,
		Classification, Status, Microop, Legal, Translation:
		return Intent(strings.ToLower(s)), true
	}
	return "", false
}

// =============================================================================
// DETECTION
// =============================================================================

// Keyword tables, checked in priority order. The order is part of the
// contract: the first table with a hit decides the intent.
var (
	summarizeKeywords      = []string{"summarize", "summary", "tldr", "sum up"}
	explainKeywords        = []string{"explain", "what is", "what does", "how does"}
	codeKeywords           = []string{"code", "function", "class", "implement", "script"}
	creativeKeywords       = []string{"story", "poem", "creative", "imagine"}
	translationKeywords    = []string{"translate", "translation", "say in"}
	classificationKeywords = []string{"classify", "category", "label"}
	statusKeywords         = []string{"status", "health", "check"}
)

// Detect classifies the conversation by keyword matching the last user
// message. Deterministic and stateless; returns Chat when nothing matches.
func Detect(messages []model.Message) Intent {
	last := strings.ToLower(model.LastUserContent(messages))

	switch {
	case containsAny(last, summarizeKeywords):
		return Summarize
	case containsAny(last, explainKeywords):
		return Explain
	case containsAny(last, codeKeywords):
		return CodeGen
	case containsAny(last, creativeKeywords):
		return Creative
	case containsAny(last, translationKeywords):
		return Translation
	case containsAny(last, classificationKeywords):
		return Classification
	case containsAny(last, statusKeywords):
		return Status
	default:
		return Chat
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// =============================================================================
// CONTEXT LENGTH & LANGUAGE
// =============================================================================

// ContextLength estimates the token count of the whole conversation using
// the fixed chars/4 approximation.
func ContextLength(messages []model.Message) int {
	return model.EstimateTokens(model.JoinContent(messages))
}

// DetectLanguage reports "en" or "non-en" for a piece of text.
// The heuristic flags text as non-English when more than 30% of its
// characters have code points above 127.
func DetectLanguage(text string) string {
	if text == "" {
		return "en"
	}
	runes := []rune(text)
	nonASCII := 0
	for _, r := range runes {
		if r > 127 {
			nonASCII++
		}
	}
	if float64(nonASCII) > float64(len(runes))*0.3 {
		return "non-en"
	}
	return "en"
}
