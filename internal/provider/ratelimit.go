// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// =============================================================================
// RATE-LIMITED ADAPTER
// =============================================================================

// rateLimitedAdapter wraps an adapter with a token-bucket limiter so a
// provider's per-minute quota is honored across concurrent callers.
// Health checks bypass the limiter; the prober must see real liveness even
// when the request budget is exhausted.
type rateLimitedAdapter struct {
	Adapter
	limiter *rate.Limiter
}

// WithRateLimit wraps adapter with a limiter of requestsPerMinute. A burst
// of one smooths calls across the window instead of front-loading them.
func WithRateLimit(adapter Adapter, requestsPerMinute int) Adapter {
	return &rateLimitedAdapter{
		Adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
	}
}

func (a *rateLimitedAdapter) Chat(ctx context.Context, params ChatParams) (*Completion, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &AdapterError{Kind: KindTimeout, Message: "rate limit wait canceled", Cause: err}
	}
	return a.Adapter.Chat(ctx, params)
}

func (a *rateLimitedAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &AdapterError{Kind: KindTimeout, Message: "rate limit wait canceled", Cause: err}
	}
	return a.Adapter.ListModels(ctx)
}
