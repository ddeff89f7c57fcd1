// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
	"github.com/jeranaias/modelmux/internal/secrets"
)

func newTestDeps(t *testing.T) (*registry.Store, *scorer.Scorer) {
	t.Helper()

	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	salt, err := secrets.GenerateSalt()
	require.NoError(t, err)
	box, err := secrets.NewBox("test-master-key", salt)
	require.NoError(t, err)

	sc := scorer.New(store, box, provider.NewFactory(2*time.Second), "ollama", scorer.DefaultWeights())
	return store, sc
}

func healthyOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func addProvider(t *testing.T, store *registry.Store, name, baseURL string, active bool) *registry.Provider {
	t.Helper()
	p, err := store.UpsertProvider(context.Background(), &registry.Provider{
		Name:         name,
		DisplayName:  name,
		BaseURL:      baseURL,
		IsActive:     active,
		Capabilities: []string{"chat"},
		Models:       []string{},
	})
	require.NoError(t, err)
	return p
}

func TestProbeAllWritesMetricPerProvider(t *testing.T) {
	store, sc := newTestDeps(t)
	ctx := context.Background()

	healthy := addProvider(t, store, "ollama", healthyOllama(t).URL, true)
	// Closed port: health check fails fast.
	dead := addProvider(t, store, "deepseek", "http://127.0.0.1:1", true)
	addProvider(t, store, "inactive", healthyOllama(t).URL, false)

	p := New(store, sc, time.Minute, 2*time.Second)
	p.ProbeAll(ctx)

	since := time.Now().UTC().Add(-time.Minute)

	healthyMetrics, err := store.MetricsSince(ctx, healthy.ID, since)
	require.NoError(t, err)
	require.Len(t, healthyMetrics, 1)
	assert.True(t, healthyMetrics[0].IsHealthy)
	assert.Equal(t, 0.0, healthyMetrics[0].ErrorRate)

	deadMetrics, err := store.MetricsSince(ctx, dead.ID, since)
	require.NoError(t, err)
	require.Len(t, deadMetrics, 1, "a failed probe still records an unhealthy sample")
	assert.False(t, deadMetrics[0].IsHealthy)
	assert.Equal(t, 1.0, deadMetrics[0].ErrorRate)
}

func TestProbeAllSkipsInactiveProviders(t *testing.T) {
	store, sc := newTestDeps(t)
	ctx := context.Background()

	inactive := addProvider(t, store, "ollama", healthyOllama(t).URL, false)

	p := New(store, sc, time.Minute, 2*time.Second)
	p.ProbeAll(ctx)

	metrics, err := store.MetricsSince(ctx, inactive.ID, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestStartStopLifecycle(t *testing.T) {
	store, sc := newTestDeps(t)

	prov := addProvider(t, store, "ollama", healthyOllama(t).URL, true)

	p := New(store, sc, time.Hour, 2*time.Second)
	p.Start()
	p.Start() // second Start is a no-op

	// The immediate first round lands before the first tick.
	require.Eventually(t, func() bool {
		metrics, err := store.MetricsSince(context.Background(), prov.ID, time.Now().UTC().Add(-time.Minute))
		return err == nil && len(metrics) == 1
	}, 5*time.Second, 50*time.Millisecond)

	p.Stop()
	p.Stop() // second Stop is a no-op

	// No further rounds after Stop.
	metrics, err := store.MetricsSince(context.Background(), prov.ID, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}
