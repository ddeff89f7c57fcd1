// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prober runs the background provider health loop.
//
// Every interval the prober fans out one concurrent health check per active
// provider, joins all results, and appends one metric row per provider. A
// hanging backend only loses its own sample; the per-call timeout keeps the
// round bounded.
package prober

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
)

// =============================================================================
// PROBER
// =============================================================================

// DefaultInterval is the time between probe rounds.
const DefaultInterval = 5 * time.Minute

// DefaultProbeTimeout bounds one health check call.
const DefaultProbeTimeout = 10 * time.Second

// Prober periodically samples provider health into the registry.
type Prober struct {
	store    *registry.Store
	scorer   *scorer.Scorer
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a prober. Zero interval or timeout take the defaults.
func New(store *registry.Store, sc *scorer.Scorer, interval, timeout time.Duration) *Prober {
	if interval == 0 {
		interval = DefaultInterval
	}
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		store:    store,
		scorer:   sc,
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches the background loop. Calling Start on a running prober is
// a no-op.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		log.Printf("PROBE: already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx)
	log.Printf("PROBE: started interval=%s", p.interval)
}

// Stop cancels the loop and waits for the in-flight round to finish, so a
// shutdown never interrupts a metric write mid-transaction.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	log.Printf("PROBE: stopped")
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First round immediately so fresh deployments have metrics before the
	// first interval elapses.
	p.ProbeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// =============================================================================
// PROBE ROUND
// =============================================================================

// sample pairs a provider with its probe outcome.
type sample struct {
	providerID int64
	name       string
	status     provider.HealthStatus
}

// ProbeAll runs one probe round: fan out, join, then write metrics. One
// provider's failure never aborts the batch.
func (p *Prober) ProbeAll(ctx context.Context) {
	providers, err := p.store.ListActiveProviders(ctx)
	if err != nil {
		log.Printf("PROBE: failed to list providers err=%v", err)
		return
	}
	if len(providers) == 0 {
		return
	}

	samples := make([]sample, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, prov := range providers {
		i, prov := i, prov
		g.Go(func() error {
			samples[i] = p.probeOne(gctx, prov)
			return nil // partial failure stays in the sample
		})
	}
	// Join every probe before touching the store.
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	for _, s := range samples {
		metric := &registry.Metric{
			ProviderID:     s.providerID,
			Timestamp:      time.Now().UTC(),
			IsHealthy:      s.status.Healthy,
			ResponseTimeMs: s.status.ResponseTimeMs(),
		}
		if !s.status.Healthy {
			metric.ErrorRate = 1.0
		}
		if err := p.store.AppendMetric(ctx, metric); err != nil {
			log.Printf("PROBE: failed to store metric provider=%s err=%v", s.name, err)
		}
	}
}

// probeOne health-checks a single provider with its own timeout. Any
// failure, including adapter construction, yields an unhealthy sample.
func (p *Prober) probeOne(ctx context.Context, prov *registry.Provider) sample {
	s := sample{providerID: prov.ID, name: prov.Name}

	adapter, err := p.scorer.AdapterFor(prov)
	if err != nil {
		s.status = provider.HealthStatus{Healthy: false, Error: err.Error()}
		return s
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := adapter.HealthCheck(probeCtx)
	if err != nil {
		s.status = provider.HealthStatus{Healthy: false, Error: err.Error()}
		return s
	}
	s.status = status
	return s
}
