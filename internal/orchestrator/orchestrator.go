// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs the full chat pipeline: route, generate, verify,
// score, and escalate or reject.
//
// Each generation attempt produces fresh verification and confidence
// results. The escalation ladder walks the local tier order and is hard
// capped, so every request terminates.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/intent"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
	"github.com/jeranaias/modelmux/internal/selector"
	"github.com/jeranaias/modelmux/internal/verify"
)

// =============================================================================
// TYPES
// =============================================================================

// DefaultMaxEscalations caps ladder walks per request.
const DefaultMaxEscalations = 2

// Config tunes the orchestrator.
type Config struct {
	// MaxEscalations caps escalation attempts. Zero means the default.
	MaxEscalations int
	// VerifierModel and ScoringModel override the judge models.
	VerifierModel string
	ScoringModel  string
}

// ChatRequest is one inbound chat call. Nil boolean pointers take their
// documented defaults (verification, confidence scoring, and auto-escalation
// all on).
type ChatRequest struct {
	Messages     []model.Message `json:"messages"`
	Model        string          `json:"model,omitempty"`
	Intent       string          `json:"intent,omitempty"`
	Latency      string          `json:"latency_target,omitempty"`
	Context      string          `json:"context,omitempty"`
	CostPriority bool            `json:"cost_priority,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	EnableVerification      *bool `json:"enable_verification,omitempty"`
	EnableConfidenceScoring *bool `json:"enable_confidence_scoring,omitempty"`
	AutoEscalate            *bool `json:"auto_escalate,omitempty"`
}

// Usage reports token consumption for the accepted attempt.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the accepted outcome of a chat call.
type ChatResponse struct {
	RequestID   string        `json:"request_id"`
	Model       string        `json:"model"`
	Provider    string        `json:"provider"`
	Intent      intent.Intent `json:"intent,omitempty"`
	Explanation string        `json:"routing_explanation,omitempty"`
	Output      string        `json:"output"`

	VerificationResult *verify.VerificationResult `json:"verification_result,omitempty"`
	ConfidenceResult   *verify.ConfidenceResult   `json:"confidence_result,omitempty"`

	Escalated     bool   `json:"escalated"`
	OriginalModel string `json:"original_model,omitempty"`
	// BestEffort marks an acceptance forced by the escalation cap.
	BestEffort bool  `json:"best_effort,omitempty"`
	Usage      Usage `json:"usage"`
}

// =============================================================================
// ERRORS
// =============================================================================

// RejectionError carries the judge payloads for an output rejected on safety
// or quality grounds. The rejected output is preserved for audit.
type RejectionError struct {
	RequestID    string                     `json:"request_id"`
	Output       string                     `json:"-"`
	Verification *verify.VerificationResult `json:"verification"`
	Confidence   *verify.ConfidenceResult   `json:"confidence"`
}

func (e *RejectionError) Error() string {
	return "output rejected due to safety or quality concerns"
}

// UpstreamError wraps a provider transport failure during generation. It is
// a routing failure, not a verification failure, and never escalates.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation failed on provider %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the escalation orchestrator. Construct it with New and inject
// dependencies explicitly; there is no package-level instance.
type Service struct {
	scorer *scorer.Scorer
	store  *registry.Store
	cfg    Config
}

// New creates the orchestrator service.
func New(sc *scorer.Scorer, store *registry.Store, cfg Config) *Service {
	if cfg.MaxEscalations == 0 {
		cfg.MaxEscalations = DefaultMaxEscalations
	}
	return &Service{scorer: sc, store: store, cfg: cfg}
}

// Route exposes generic capability routing for non-chat callers.
func (s *Service) Route(ctx context.Context, capability string, req *scorer.Requirements) (*scorer.Decision, error) {
	return s.scorer.RouteRequest(ctx, capability, req)
}

// Chat handles one chat request end to end.
func (s *Service) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	decision, err := s.scorer.RouteRequest(ctx, "chat", &scorer.Requirements{
		Messages:     req.Messages,
		Intent:       req.Intent,
		Latency:      req.Latency,
		Context:      req.Context,
		CostPriority: req.CostPriority,
		Model:        req.Model,
	})
	if err != nil {
		return nil, err
	}

	prov, err := s.store.GetProvider(ctx, decision.Provider.ID)
	if err != nil {
		return nil, fmt.Errorf("selected provider vanished: %w", err)
	}
	adapter, err := s.scorer.AdapterFor(prov)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", prov.Name, err)
	}

	return s.generate(ctx, req, decision, prov, adapter)
}

// generate runs the generation loop with verification, scoring, and
// escalation against the routed provider.
func (s *Service) generate(ctx context.Context, req *ChatRequest, decision *scorer.Decision, prov *registry.Provider, adapter provider.Adapter) (*ChatResponse, error) {
	enableVerification := boolOr(req.EnableVerification, true)
	enableConfidence := boolOr(req.EnableConfidenceScoring, true)
	autoEscalate := boolOr(req.AutoEscalate, true)
	skipChecks := !enableVerification && !enableConfidence

	messages := withSystemPrompt(req.Messages, decision.SystemPrompt)

	currentModel := decision.Model
	originalModel := currentModel
	escalated := false
	escalations := 0

	verifier := verify.NewVerifier(adapter, s.cfg.VerifierModel)
	confScorer := verify.NewScorer(adapter, s.cfg.ScoringModel)

	for {
		params := s.chatParams(req, decision, currentModel)
		params.Messages = messages

		completion, err := adapter.Chat(ctx, params)
		if err != nil {
			s.logGenerationFailure(ctx, prov.ID, err)
			return nil, &UpstreamError{Provider: prov.Name, Err: err}
		}

		// Checks disabled entirely: accept the first output.
		if skipChecks {
			return s.respond(decision, prov, currentModel, originalModel,
				completion, nil, nil, escalated, false), nil
		}

		// Fresh results for every attempt.
		prompt := model.LastUserContent(req.Messages)
		extra := map[string]any{
			"intent":         string(decision.Intent),
			"latency_target": req.Latency,
		}

		var verification *verify.VerificationResult
		if enableVerification {
			verification = verifier.Verify(ctx, prompt, completion.Text, extra)
		} else {
			verification = &verify.VerificationResult{
				IsSafe:      true,
				SafetyScore: 1.0,
				Issues:      []string{},
				Explanation: "Verification skipped",
			}
		}

		var confidence *verify.ConfidenceResult
		if enableConfidence {
			confidence = confScorer.Score(ctx, prompt, completion.Text, currentModel, extra)
		} else {
			confidence = &verify.ConfidenceResult{
				ConfidenceScore:   1.0,
				RecommendedAction: verify.ActionAccept,
			}
		}

		// Rejection dominates: unsafe output never ships, cap or no cap.
		if shouldReject(verification, confidence) {
			return nil, &RejectionError{
				RequestID:    decision.RequestID,
				Output:       completion.Text,
				Verification: verification,
				Confidence:   confidence,
			}
		}

		if autoEscalate && shouldEscalate(verification, confidence, currentModel) {
			next, ok := nextModel(currentModel)
			if ok && escalations < s.cfg.MaxEscalations {
				log.Printf("ESCALATION: request=%s %s -> %s confidence=%.2f",
					decision.RequestID, currentModel, next, confidence.ConfidenceScore)
				currentModel = next
				escalated = true
				escalations++
				continue
			}
			// Cap reached or top of ladder: ship what we have, flagged.
			return s.respond(decision, prov, currentModel, originalModel,
				completion, verification, confidence, escalated, true), nil
		}

		return s.respond(decision, prov, currentModel, originalModel,
			completion, verification, confidence, escalated, false), nil
	}
}

// =============================================================================
// DECISION RULES
// =============================================================================

// shouldReject applies the rejection rule: unsafe verdict, critically low
// confidence, or a critical issue tag.
func shouldReject(v *verify.VerificationResult, c *verify.ConfidenceResult) bool {
	if !v.IsSafe {
		return true
	}
	if c.ConfidenceScore < verify.CriticalThreshold {
		return true
	}
	return v.HasIssue(verify.IssueHarmfulContent) || v.HasIssue(verify.IssueHallucination)
}

// shouldEscalate applies the escalation rule. A model outside the local
// ladder has no target and never escalates.
func shouldEscalate(v *verify.VerificationResult, c *verify.ConfidenceResult, currentModel string) bool {
	if _, ok := nextModel(currentModel); !ok {
		return false
	}
	if c.ShouldEscalate {
		return true
	}
	return v.SafetyScore < verify.SafetyThreshold && v.IsSafe
}

// nextModel returns the next model up the tier ladder.
func nextModel(current string) (string, bool) {
	tier, ok := selector.TierForModel(current)
	if !ok {
		return "", false
	}
	next, ok := tier.Next()
	if !ok {
		return "", false
	}
	return selector.Config(next).ModelID, true
}

// =============================================================================
// HELPERS
// =============================================================================

// chatParams merges the caller's overrides over the routing decision's
// recommended parameters.
func (s *Service) chatParams(req *ChatRequest, decision *scorer.Decision, currentModel string) provider.ChatParams {
	temperature := 0.2
	maxTokens := 512
	topP := 0.95
	var stop []string

	if decision.Local {
		temperature = decision.Params.Temperature
		maxTokens = decision.Params.MaxTokens
		topP = decision.Params.TopP
		stop = decision.Params.Stop
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		topP = *req.TopP
	}

	return provider.ChatParams{
		Model:       currentModel,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		TopP:        topP,
		Stop:        stop,
	}
}

func (s *Service) respond(decision *scorer.Decision, prov *registry.Provider, currentModel, originalModel string, completion *provider.Completion, verification *verify.VerificationResult, confidence *verify.ConfidenceResult, escalated, bestEffort bool) *ChatResponse {
	resp := &ChatResponse{
		RequestID:          decision.RequestID,
		Model:              currentModel,
		Provider:           prov.DisplayName,
		Intent:             decision.Intent,
		Explanation:        decision.Explanation,
		Output:             completion.Text,
		VerificationResult: verification,
		ConfidenceResult:   confidence,
		Escalated:          escalated,
		BestEffort:         bestEffort,
		Usage: Usage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.PromptTokens + completion.CompletionTokens,
		},
	}
	if escalated {
		resp.OriginalModel = originalModel
	}
	return resp
}

// logGenerationFailure records a failed generation attempt in the routing
// log under its own request id.
func (s *Service) logGenerationFailure(ctx context.Context, providerID int64, genErr error) {
	entry := &registry.RoutingLog{
		RequestID:          uuid.NewString(),
		Capability:         "chat",
		SelectedProviderID: &providerID,
		Success:            false,
		ErrorMessage:       genErr.Error(),
	}
	if err := s.store.AppendRoutingLog(ctx, entry); err != nil {
		log.Printf("ORCHESTRATOR: failed to log generation failure err=%v", err)
	}
}

func withSystemPrompt(messages []model.Message, systemPrompt string) []model.Message {
	if systemPrompt == "" {
		return messages
	}
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			return messages
		}
	}
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, model.NewSystemMessage(systemPrompt))
	return append(out, messages...)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
