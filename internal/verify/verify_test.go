// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package verify

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/modelmux/internal/provider"
)

// fakeJudge is an adapter returning a canned reply or error.
type fakeJudge struct {
	reply string
	err   error
	// lastPrompt records what the judge was asked.
	lastPrompt string
}

func (f *fakeJudge) Name() string { return "fake" }

func (f *fakeJudge) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: true}, nil
}

func (f *fakeJudge) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (f *fakeJudge) Chat(ctx context.Context, params provider.ChatParams) (*provider.Completion, error) {
	f.lastPrompt = params.Messages[len(params.Messages)-1].Content
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Completion{Text: f.reply}, nil
}

func TestVerifyStrictJSONParse(t *testing.T) {
	judge := &fakeJudge{reply: `Here is my assessment:
{
  "is_safe": true,
  "safety_score": 0.95,
  "issues": [],
  "explanation": "Output is accurate and on-topic"
}`}
	v := NewVerifier(judge, "")

	result := v.Verify(context.Background(), "What is Go?", "Go is a programming language.", nil)

	assert.True(t, result.IsSafe)
	assert.Equal(t, 0.95, result.SafetyScore)
	assert.Empty(t, result.Issues)
	assert.Equal(t, "Output is accurate and on-topic", result.Explanation)
}

func TestVerifyStrictJSONUnsafe(t *testing.T) {
	judge := &fakeJudge{reply: `{"is_safe": false, "safety_score": 0.2, "issues": ["hallucination"], "explanation": "fabricated facts"}`}
	v := NewVerifier(judge, "")

	result := v.Verify(context.Background(), "q", "out", nil)

	assert.False(t, result.IsSafe)
	assert.Equal(t, 0.2, result.SafetyScore)
	assert.True(t, result.HasIssue(IssueHallucination))
}

func TestVerifyHeuristicFallback(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantSafe  bool
		wantScore float64
		wantIssue string
	}{
		{
			name:      "clean free text",
			reply:     "The output looks safe to me with no concerns.",
			wantSafe:  true,
			wantScore: 0.8,
		},
		{
			name:      "hallucination flagged",
			reply:     "This answer contains a hallucination about dates.",
			wantSafe:  false,
			wantScore: 0.3,
			wantIssue: IssueHallucination,
		},
		{
			name:      "harmful content flagged",
			reply:     "The advice given here is dangerous.",
			wantSafe:  false,
			wantScore: 0.3,
			wantIssue: IssueHarmfulContent,
		},
		{
			name:      "off topic flagged",
			reply:     "The response is irrelevant to the question asked.",
			wantSafe:  false,
			wantScore: 0.3,
			wantIssue: IssueOffTopic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(&fakeJudge{reply: tt.reply}, "")
			result := v.Verify(context.Background(), "q", "out", nil)

			assert.Equal(t, tt.wantSafe, result.IsSafe)
			assert.Equal(t, tt.wantScore, result.SafetyScore)
			if tt.wantIssue != "" {
				assert.True(t, result.HasIssue(tt.wantIssue))
			}
		})
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	judge := &fakeJudge{err: errors.New("connection refused")}
	v := NewVerifier(judge, "")

	result := v.Verify(context.Background(), "q", "out", nil)

	assert.False(t, result.IsSafe)
	assert.Equal(t, 0.0, result.SafetyScore)
	assert.Equal(t, []string{IssueVerificationError}, result.Issues)
	assert.Contains(t, result.Explanation, "connection refused")
}

func TestVerifyPromptCarriesInputs(t *testing.T) {
	judge := &fakeJudge{reply: `{"is_safe": true, "safety_score": 1.0, "issues": []}`}
	v := NewVerifier(judge, "")

	v.Verify(context.Background(), "the user question", "the model answer", map[string]any{"intent": "chat"})

	assert.Contains(t, judge.lastPrompt, "the user question")
	assert.Contains(t, judge.lastPrompt, "the model answer")
	assert.Contains(t, judge.lastPrompt, "intent")
}

func TestScoreStrictJSONThresholds(t *testing.T) {
	tests := []struct {
		name         string
		score        float64
		wantEscalate bool
		wantAction   Action
	}{
		{"high confidence accepts", 0.9, false, ActionAccept},
		{"at threshold accepts", 0.65, false, ActionAccept},
		{"mid confidence escalates", 0.5, true, ActionEscalate},
		{"critical rejects", 0.3, true, ActionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge := &fakeJudge{reply: `{"confidence_score": ` + strconv.FormatFloat(tt.score, 'f', -1, 64) + `, "reasoning": "because"}`}
			s := NewScorer(judge, "")

			result := s.Score(context.Background(), "q", "out", "gemma:2b", nil)

			assert.Equal(t, tt.score, result.ConfidenceScore)
			assert.Equal(t, tt.wantEscalate, result.ShouldEscalate)
			assert.Equal(t, tt.wantAction, result.RecommendedAction)
		})
	}
}

func TestScoreHeuristicFallback(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantScore float64
	}{
		{"excellent", "This is an excellent answer overall.", 0.85},
		{"adequate", "The answer is adequate for the question.", 0.7},
		{"uncertain", "The answer seems uncertain in places.", 0.4},
		{"poor", "This is a poor response.", 0.2},
		{"no signal", "Hmm.", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(&fakeJudge{reply: tt.reply}, "")
			result := s.Score(context.Background(), "q", "out", "gemma:2b", nil)
			assert.Equal(t, tt.wantScore, result.ConfidenceScore)
		})
	}
}

func TestScoreFailsTowardEscalation(t *testing.T) {
	judge := &fakeJudge{err: errors.New("timeout")}
	s := NewScorer(judge, "")

	result := s.Score(context.Background(), "q", "out", "gemma:2b", nil)

	assert.Equal(t, 0.0, result.ConfidenceScore)
	assert.True(t, result.ShouldEscalate)
	assert.Equal(t, ActionEscalate, result.RecommendedAction)
	assert.Contains(t, result.Reasoning, "timeout")
}
