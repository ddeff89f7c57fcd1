// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testProvider(name string) *Provider {
	return &Provider{
		Name:         name,
		DisplayName:  "Test " + name,
		BaseURL:      "http://127.0.0.1:11434",
		Capabilities: []string{"chat"},
		Models:       []string{"mistral:7b", "gemma:2b"},
		IsActive:     true,
		Priority:     5,
	}
}

func TestUpsertAndGetProvider(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, []string{"chat"}, created.Capabilities)
	assert.Equal(t, []string{"mistral:7b", "gemma:2b"}, created.Models)

	byName, err := store.GetProviderByName(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := store.GetProvider(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ollama", byID.Name)
}

func TestUpsertUpdatesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)

	p := testProvider("ollama")
	p.Priority = 9
	p.Models = []string{"qwen2.5:3b"}
	second, err := store.UpsertProvider(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "upsert must not create a new row")
	assert.Equal(t, 9, second.Priority)
	assert.Equal(t, []string{"qwen2.5:3b"}, second.Models)
}

func TestGetProviderNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetProviderByName(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveProviders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := testProvider("low-priority")
	low.Priority = 1
	high := testProvider("high-priority")
	high.Priority = 10
	inactive := testProvider("inactive")
	inactive.IsActive = false

	for _, p := range []*Provider{low, high, inactive} {
		_, err := store.UpsertProvider(ctx, p)
		require.NoError(t, err)
	}

	active, err := store.ListActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "high-priority", active[0].Name)
	assert.Equal(t, "low-priority", active[1].Name)
}

func TestSetActiveTakesEffect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)

	require.NoError(t, store.SetActive(ctx, p.ID, false))

	active, err := store.ListActiveProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, store.SetActive(ctx, 9999, false), ErrNotFound)
}

func TestAppendMetricAndQueryWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)

	now := time.Now().UTC()
	old := &Metric{ProviderID: p.ID, Timestamp: now.Add(-2 * time.Hour), IsHealthy: true, ResponseTimeMs: 100}
	recent := &Metric{ProviderID: p.ID, Timestamp: now.Add(-5 * time.Minute), IsHealthy: false, ResponseTimeMs: 900}
	require.NoError(t, store.AppendMetric(ctx, old))
	require.NoError(t, store.AppendMetric(ctx, recent))

	window, err := store.MetricsSince(ctx, p.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.False(t, window[0].IsHealthy)
	assert.Equal(t, 900.0, window[0].ResponseTimeMs)
}

func TestMetricPruneKeepsMostRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Duration(MetricsKeepPerProvider+50) * time.Second)
	for i := 0; i < MetricsKeepPerProvider+50; i++ {
		m := &Metric{
			ProviderID: p.ID,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			IsHealthy:  true,
		}
		require.NoError(t, store.AppendMetric(ctx, m))
	}

	all, err := store.MetricsSince(ctx, p.ID, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, MetricsKeepPerProvider)
	// Newest sample survives the prune.
	assert.Equal(t, base.Add(time.Duration(MetricsKeepPerProvider+49)*time.Second).Unix(),
		all[0].Timestamp.Unix())
}

func TestAppendRoutingLogWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.UpsertProvider(ctx, testProvider("ollama"))
	require.NoError(t, err)

	entry := &RoutingLog{
		RequestID:          "req-1",
		Capability:         "chat",
		Requirements:       `{"latency_target":"medium"}`,
		SelectedProviderID: &p.ID,
		ResponseTimeMs:     123.4,
		Success:            true,
	}
	require.NoError(t, store.AppendRoutingLog(ctx, entry))
	assert.ErrorIs(t, store.AppendRoutingLog(ctx, entry), ErrDuplicateRequest)

	logs, err := store.RecentRoutingLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "req-1", logs[0].RequestID)
	assert.True(t, logs[0].Success)
	require.NotNil(t, logs[0].SelectedProviderID)
	assert.Equal(t, p.ID, *logs[0].SelectedProviderID)
}

func TestRoutingLogFailureEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &RoutingLog{
		RequestID:    "req-fail",
		Capability:   "embedding",
		Success:      false,
		ErrorMessage: "no suitable provider",
	}
	require.NoError(t, store.AppendRoutingLog(ctx, entry))

	logs, err := store.RecentRoutingLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Nil(t, logs[0].SelectedProviderID)
	assert.Equal(t, "no suitable provider", logs[0].ErrorMessage)
}
