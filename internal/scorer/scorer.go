// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scorer ranks registered providers for a capability and produces
// routing decisions.
//
// Chat requests carrying message hints take the local-model path through the
// selector; everything else is scored against the registry using health
// history, priority, and cost.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/intent"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/secrets"
	"github.com/jeranaias/modelmux/internal/selector"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoSuitableProvider indicates no active provider supports the
	// capability and requirements.
	ErrNoSuitableProvider = errors.New("no suitable provider for capability")
	// ErrNoHealthyProvider indicates candidates exist but all scored zero.
	ErrNoHealthyProvider = errors.New("no healthy provider available")
)

// =============================================================================
// TYPES
// =============================================================================

// Requirements carries routing hints and hard constraints for one request.
type Requirements struct {
	// Message-based hints enable the local selector path for chat.
	Messages     []model.Message `json:"messages,omitempty"`
	Intent       string          `json:"intent,omitempty"`
	Latency      string          `json:"latency_target,omitempty"`
	Context      string          `json:"context,omitempty"`
	CostPriority bool            `json:"cost_priority,omitempty"`

	// Hard constraints for the scored path.
	Model            string `json:"model,omitempty"`
	MinContextWindow int    `json:"min_context_window,omitempty"`
	VisionRequired   bool   `json:"vision_required,omitempty"`
}

// ProviderSummary is one provider's discovery snapshot.
type ProviderSummary struct {
	ID           int64                `json:"id"`
	Name         string               `json:"name"`
	DisplayName  string               `json:"display_name"`
	Priority     int                  `json:"priority"`
	Capabilities []string             `json:"capabilities"`
	Models       []provider.ModelInfo `json:"models"`
}

// Decision is the outcome of one routing call.
type Decision struct {
	RequestID    string           `json:"request_id"`
	Provider     *ProviderSummary `json:"provider"`
	Model        string           `json:"model,omitempty"`
	Params       selector.Params  `json:"params,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Intent       intent.Intent    `json:"intent,omitempty"`
	Explanation  string           `json:"routing_explanation,omitempty"`
	Score        float64          `json:"score,omitempty"`
	// Local marks a decision produced by the selector path.
	Local bool `json:"local"`
}

// Weights tunes the scoring formula. Zero values are replaced by defaults
// matching the documented formula.
type Weights struct {
	Base           float64
	Health         float64
	Priority       float64
	MaxCostPenalty float64
	MaxPerfBonus   float64
}

// DefaultWeights returns the standard scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Base:           50.0,
		Health:         0.4,
		Priority:       2.0,
		MaxCostPenalty: 20.0,
		MaxPerfBonus:   15.0,
	}
}

// =============================================================================
// SCORER
// =============================================================================

// metricWindow is the health aggregation window.
const metricWindow = time.Hour

// Scorer produces routing decisions against the registry.
type Scorer struct {
	store   *registry.Store
	box     *secrets.Box
	factory *provider.Factory
	// localName is the provider handling selector-routed chat requests.
	localName string
	now       func() time.Time

	mu      sync.RWMutex
	weights Weights
}

// New creates a scorer. localName selects the provider used for local chat
// routing, normally "ollama".
func New(store *registry.Store, box *secrets.Box, factory *provider.Factory, localName string, weights Weights) *Scorer {
	if localName == "" {
		localName = "ollama"
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scorer{
		store:     store,
		box:       box,
		factory:   factory,
		localName: localName,
		weights:   weights,
		now:       time.Now,
	}
}

// SetWeights replaces the scoring weights. Safe to call while routing is in
// flight; each scoring pass snapshots the weights once.
func (s *Scorer) SetWeights(w Weights) {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
	log.Printf("SCORING: weights updated base=%.1f health=%.2f priority=%.1f", w.Base, w.Health, w.Priority)
}

func (s *Scorer) snapshotWeights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

// =============================================================================
// DISCOVERY
// =============================================================================

// DiscoverProviders returns a live snapshot of every active provider. A
// provider whose credential fails to decrypt or whose catalog listing fails
// is logged and skipped; one bad backend never hides the others.
func (s *Scorer) DiscoverProviders(ctx context.Context) ([]*ProviderSummary, error) {
	providers, err := s.store.ListActiveProviders(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]*ProviderSummary, 0, len(providers))
	for _, p := range providers {
		summary, err := s.discoverOne(ctx, p)
		if err != nil {
			log.Printf("DISCOVERY: skipping provider=%s err=%v", p.Name, err)
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Scorer) discoverOne(ctx context.Context, p *registry.Provider) (*ProviderSummary, error) {
	adapter, err := s.adapterFor(p)
	if err != nil {
		return nil, err
	}

	models, err := adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	return &ProviderSummary{
		ID:           p.ID,
		Name:         p.Name,
		DisplayName:  p.DisplayName,
		Priority:     p.Priority,
		Capabilities: p.Capabilities,
		Models:       models,
	}, nil
}

// AdapterFor builds the adapter for a registered provider, decrypting its
// credential.
func (s *Scorer) AdapterFor(p *registry.Provider) (provider.Adapter, error) {
	return s.adapterFor(p)
}

func (s *Scorer) adapterFor(p *registry.Provider) (provider.Adapter, error) {
	apiKey, err := s.box.Open(p.APIKeyEncrypted)
	if err != nil {
		return nil, err
	}
	return s.factory.New(provider.Settings{
		Name:      p.Name,
		BaseURL:   p.BaseURL,
		APIKey:    apiKey,
		RateLimit: p.RateLimitRPM,
	})
}

// =============================================================================
// ROUTING
// =============================================================================

// RouteRequest picks the best provider for a capability. Every attempt,
// success or failure, is recorded as one routing log entry.
func (s *Scorer) RouteRequest(ctx context.Context, capability string, req *Requirements) (*Decision, error) {
	requestID := uuid.NewString()
	start := s.now()

	decision, err := s.route(ctx, requestID, capability, req)

	entry := &registry.RoutingLog{
		RequestID:      requestID,
		Capability:     capability,
		Requirements:   encodeRequirements(req),
		ResponseTimeMs: float64(s.now().Sub(start)) / float64(time.Millisecond),
		Success:        err == nil,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	} else if decision.Provider != nil {
		entry.SelectedProviderID = &decision.Provider.ID
	}
	if logErr := s.store.AppendRoutingLog(ctx, entry); logErr != nil {
		log.Printf("ROUTING: failed to log request=%s err=%v", requestID, logErr)
	}

	return decision, err
}

func (s *Scorer) route(ctx context.Context, requestID, capability string, req *Requirements) (*Decision, error) {
	if capability == "chat" && req != nil && len(req.Messages) > 0 {
		if decision := s.tryLocalRouting(ctx, requestID, req); decision != nil {
			return decision, nil
		}
	}

	candidates, err := s.findSuitable(ctx, capability, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoSuitableProvider
	}

	best, score := s.pickBest(ctx, candidates, capability, req)
	if best == nil {
		return nil, ErrNoHealthyProvider
	}

	log.Printf("ROUTING: request=%s capability=%s -> provider=%s score=%.1f",
		requestID, capability, best.Name, score)

	return &Decision{
		RequestID: requestID,
		Provider:  best,
		Model:     req.modelOrDefault(best),
		Score:     score,
	}, nil
}

// tryLocalRouting applies the selector to message-based chat requests
// against the designated local provider. Returns nil when the local provider
// is missing or inactive; the caller falls through to generic scoring.
func (s *Scorer) tryLocalRouting(ctx context.Context, requestID string, req *Requirements) *Decision {
	local, err := s.store.GetProviderByName(ctx, s.localName)
	if err != nil || !local.IsActive {
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			log.Printf("ROUTING: local provider lookup failed err=%v", err)
		}
		return nil
	}

	var hint intent.Intent
	if req.Intent != "" {
		hint, _ = intent.Parse(req.Intent)
	}

	decision := selector.Select(selector.Request{
		Messages:     req.Messages,
		Intent:       hint,
		Latency:      selector.ParseLatencyTarget(req.Latency),
		Context:      req.Context,
		CostPriority: req.CostPriority,
	})

	log.Printf("ROUTING: request=%s local intent=%s -> model=%s", requestID, decision.Intent, decision.Model.ModelID)

	return &Decision{
		RequestID: requestID,
		Provider: &ProviderSummary{
			ID:           local.ID,
			Name:         local.Name,
			DisplayName:  local.DisplayName,
			Priority:     local.Priority,
			Capabilities: local.Capabilities,
		},
		Model:        decision.Model.ModelID,
		Params:       decision.Params,
		SystemPrompt: selector.SystemPrompt(decision.Intent),
		Intent:       decision.Intent,
		Explanation:  decision.Explanation,
		Local:        true,
	}
}

func (s *Scorer) findSuitable(ctx context.Context, capability string, req *Requirements) ([]*ProviderSummary, error) {
	discovered, err := s.DiscoverProviders(ctx)
	if err != nil {
		return nil, err
	}

	var suitable []*ProviderSummary
	for _, p := range discovered {
		if !hasString(p.Capabilities, capability) {
			continue
		}
		if req != nil && !meetsRequirements(p, req) {
			continue
		}
		suitable = append(suitable, p)
	}
	return suitable, nil
}

func meetsRequirements(p *ProviderSummary, req *Requirements) bool {
	if req.Model != "" {
		found := false
		for _, m := range p.Models {
			if m.ID == req.Model {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.MinContextWindow > 0 {
		found := false
		for _, m := range p.Models {
			if m.ContextWindow >= req.MinContextWindow {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.VisionRequired && !hasString(p.Capabilities, "vision") {
		return false
	}
	return true
}

// pickBest scores all candidates and returns the highest scorer. Candidates
// scoring zero are unusable and excluded.
func (s *Scorer) pickBest(ctx context.Context, candidates []*ProviderSummary, capability string, req *Requirements) (*ProviderSummary, float64) {
	var best *ProviderSummary
	bestScore := 0.0
	for _, c := range candidates {
		score := s.scoreProvider(ctx, c, capability, req)
		if score > 0 && score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

// =============================================================================
// SCORING
// =============================================================================

// scoreProvider computes the provider score, clamped to [0,100]:
//
//	base + health*0.4 + priority*2 - cost_penalty + perf_bonus + cap_bonus
func (s *Scorer) scoreProvider(ctx context.Context, p *ProviderSummary, capability string, req *Requirements) float64 {
	w := s.snapshotWeights()
	score := w.Base

	metrics, err := s.store.MetricsSince(ctx, p.ID, s.now().Add(-metricWindow))
	if err != nil {
		log.Printf("SCORING: metrics query failed provider=%s err=%v", p.Name, err)
		metrics = nil
	}

	score += s.healthScore(metrics) * w.Health
	score += float64(p.Priority) * w.Priority
	score -= s.costPenalty(w, p, capability)
	score += s.performanceBonus(w, metrics)
	score += capabilityBonus(p, capability, req)

	return math.Max(0.0, math.Min(100.0, score))
}

// healthScore aggregates the metric window into [-50, 50] plus a response
// time bonus of up to 25 that decays to zero at 2000ms.
func (s *Scorer) healthScore(metrics []*registry.Metric) float64 {
	if len(metrics) == 0 {
		return 0.0 // no data is neutral
	}

	healthy := 0
	var totalRT float64
	var countRT int
	for _, m := range metrics {
		if m.IsHealthy {
			healthy++
		}
		if m.ResponseTimeMs > 0 {
			totalRT += m.ResponseTimeMs
			countRT++
		}
	}

	healthyFraction := float64(healthy) / float64(len(metrics))

	avgRT := 1000.0
	if countRT > 0 {
		avgRT = totalRT / float64(countRT)
	}
	responseTimeBonus := math.Max(0, 25-(avgRT/80))

	return (healthyFraction-0.5)*100 + responseTimeBonus
}

// costPenalty charges up to MaxCostPenalty based on the cheapest capable
// model's input price. 0.001/1K is free, 0.01/1K hits the cap.
func (s *Scorer) costPenalty(w Weights, p *ProviderSummary, capability string) float64 {
	minCost := math.Inf(1)
	for _, m := range p.Models {
		if m.Supports(capability) && m.InputCostPer1K < minCost {
			minCost = m.InputCostPer1K
		}
	}
	if math.IsInf(minCost, 1) {
		return 10.0
	}
	return math.Min(w.MaxCostPenalty, (minCost-0.001)*2000)
}

// performanceBonus grants up to MaxPerfBonus for fast recent responses:
// full bonus under 500ms, none at 2000ms or above. Only the ten most recent
// samples count.
func (s *Scorer) performanceBonus(w Weights, metrics []*registry.Metric) float64 {
	if len(metrics) > 10 {
		metrics = metrics[:10]
	}

	var total float64
	var count int
	for _, m := range metrics {
		if m.ResponseTimeMs > 0 {
			total += m.ResponseTimeMs
			count++
		}
	}
	if count == 0 {
		return 0.0
	}

	avg := total / float64(count)
	switch {
	case avg <= 500:
		return w.MaxPerfBonus
	case avg >= 2000:
		return 0.0
	default:
		return w.MaxPerfBonus * (2000 - avg) / 1500
	}
}

// capabilityBonus grants 5 points for a direct capability match and 5 more
// when a specifically requested model is in the catalog.
func capabilityBonus(p *ProviderSummary, capability string, req *Requirements) float64 {
	bonus := 0.0
	if hasString(p.Capabilities, capability) {
		bonus += 5.0
	}
	if req != nil && req.Model != "" {
		for _, m := range p.Models {
			if m.ID == req.Model {
				bonus += 5.0
				break
			}
		}
	}
	return bonus
}

// =============================================================================
// HELPERS
// =============================================================================

func (req *Requirements) modelOrDefault(p *ProviderSummary) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if len(p.Models) > 0 {
		return p.Models[0].ID
	}
	return ""
}

func hasString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func encodeRequirements(req *Requirements) string {
	if req == nil {
		return ""
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(data)
}
