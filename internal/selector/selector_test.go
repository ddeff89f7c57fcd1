// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/intent"
	"github.com/jeranaias/modelmux/internal/model"
)

func userMsg(content string) []model.Message {
	return []model.Message{model.NewUserMessage(content)}
}

func TestSelectIsDeterministic(t *testing.T) {
	req := Request{Messages: userMsg("Write a function to sort a list")}
	first := Select(req)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Select(req))
	}
	assert.Equal(t, TierQuality, first.Tier)
	assert.Equal(t, "mistral:7b", first.Model.ModelID)
	assert.Equal(t, 0.0, first.Params.Temperature)
	assert.Equal(t, intent.CodeGen, first.Intent)
}

func TestUltraLowLatencyDominatesIntent(t *testing.T) {
	// Quality-tier intents still land on the fast tier under an ultra_low SLA.
	for _, in := range []intent.Intent{intent.CodeGen, intent.Creative, intent.Legal, intent.Summarize} {
		d := Select(Request{
			Messages: userMsg("anything at all"),
			Intent:   in,
			Latency:  LatencyUltraLow,
		})
		assert.Equal(t, TierFast, d.Tier, "intent %s", in)
		assert.Equal(t, "gemma:2b", d.Model.ModelID)
		assert.Equal(t, 0.0, d.Params.Temperature)
	}
}

func TestLongContextOverridesChatIntent(t *testing.T) {
	// 40000 chars estimates to 10000 tokens, past the 8000 threshold.
	d := Select(Request{
		Messages: userMsg(strings.Repeat("the quick brown fox ", 2000)),
		Intent:   intent.Chat,
	})
	assert.Equal(t, TierLongContext, d.Tier)
	assert.Equal(t, "qwen2.5:3b", d.Model.ModelID)
	assert.Greater(t, d.ContextLength, longContextThreshold)
}

func TestProvidedContextCountsTowardLength(t *testing.T) {
	d := Select(Request{
		Messages: userMsg("Short question"),
		Intent:   intent.Chat,
		Context:  strings.Repeat("document text ", 3000),
	})
	assert.Equal(t, TierLongContext, d.Tier)
}

func TestCostPriorityOnTinyRequest(t *testing.T) {
	d := Select(Request{
		Messages:     userMsg("Classify this email as spam or not"),
		CostPriority: true,
	})
	assert.Equal(t, TierFast, d.Tier)
	assert.Equal(t, 0.0, d.Params.Temperature)

	// Cost priority does not apply once the request is no longer tiny.
	big := Select(Request{
		Messages:     userMsg(strings.Repeat("words ", 100)),
		Intent:       intent.CodeGen,
		CostPriority: true,
	})
	assert.Equal(t, TierQuality, big.Tier)
}

func TestSelectRules(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantTier Tier
		wantTemp float64
	}{
		{
			"classification intent",
			Request{Messages: userMsg("hi"), Intent: intent.Classification},
			TierFast, 0.0,
		},
		{
			"status intent",
			Request{Messages: userMsg("hi"), Intent: intent.Status},
			TierFast, 0.0,
		},
		{
			"microop intent",
			Request{Messages: userMsg("hi"), Intent: intent.Microop},
			TierFast, 0.0,
		},
		{
			"rag intent pins temperature to zero",
			Request{Messages: userMsg("answer from the docs"), Intent: intent.RAG},
			TierLongContext, 0.0,
		},
		{
			"retrieval intent pins temperature to zero",
			Request{Messages: userMsg("find the section"), Intent: intent.Retrieval},
			TierLongContext, 0.0,
		},
		{
			"translation intent",
			Request{Messages: userMsg("Translate this to German"), Intent: intent.Translation},
			TierLongContext, 0.3,
		},
		{
			"non-english text",
			Request{Messages: userMsg("Переведи этот текст пожалуйста")},
			TierLongContext, 0.3,
		},
		{
			"low latency chat",
			Request{Messages: userMsg("hey"), Intent: intent.Chat, Latency: LatencyLow},
			TierBalanced, 0.15,
		},
		{
			"short chat defaults to balanced",
			Request{Messages: userMsg("Tell me something fun"), Intent: intent.Chat},
			TierBalanced, 0.15,
		},
		{
			"code-gen intent",
			Request{Messages: userMsg("x"), Intent: intent.CodeGen},
			TierQuality, 0.0,
		},
		{
			"creative intent",
			Request{Messages: userMsg("x"), Intent: intent.Creative},
			TierQuality, 0.6,
		},
		{
			"summarize intent",
			Request{Messages: userMsg("x"), Intent: intent.Summarize},
			TierQuality, 0.2,
		},
		{
			"legal intent",
			Request{Messages: userMsg("x"), Intent: intent.Legal},
			TierQuality, 0.2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Select(tt.req)
			assert.Equal(t, tt.wantTier, d.Tier)
			assert.Equal(t, tt.wantTemp, d.Params.Temperature)
			assert.Equal(t, Config(tt.wantTier).ModelID, d.Model.ModelID)
			assert.NotEmpty(t, d.Explanation)
		})
	}
}

func TestTierNext(t *testing.T) {
	next, ok := TierFast.Next()
	require.True(t, ok)
	assert.Equal(t, TierBalanced, next)

	next, ok = TierBalanced.Next()
	require.True(t, ok)
	assert.Equal(t, TierLongContext, next)

	next, ok = TierLongContext.Next()
	require.True(t, ok)
	assert.Equal(t, TierQuality, next)

	_, ok = TierQuality.Next()
	assert.False(t, ok, "the top of the ladder has no target")
}

func TestTierForModel(t *testing.T) {
	tier, ok := TierForModel("phi3:3.8b")
	require.True(t, ok)
	assert.Equal(t, TierBalanced, tier)

	_, ok = TierForModel("gpt-4o")
	assert.False(t, ok)
}

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		in   intent.Intent
		want string
	}{
		{intent.CodeGen, "coding assistant"},
		{intent.Creative, "creative"},
		{intent.RAG, "not available in the provided context"},
		{intent.Retrieval, "not available in the provided context"},
		{intent.Classification, "classification assistant"},
		{intent.Status, "classification assistant"},
		{intent.Chat, "concise, accurate assistant"},
		{intent.Legal, "concise, accurate assistant"},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got := SystemPrompt(tt.in)
			assert.Contains(t, got, tt.want)
			assert.Contains(t, got, "Do not invent facts")
		})
	}
}

func TestParseLatencyTarget(t *testing.T) {
	assert.Equal(t, LatencyUltraLow, ParseLatencyTarget("ultra_low"))
	assert.Equal(t, LatencyHigh, ParseLatencyTarget("high"))
	assert.Equal(t, LatencyMedium, ParseLatencyTarget(""))
	assert.Equal(t, LatencyMedium, ParseLatencyTarget("bogus"))
}
