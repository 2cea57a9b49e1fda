package billing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &UsageRecord{
		TenantID:         "t1",
		RequestID:        "req-1",
		Provider:         "openai",
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Estimated:        true,
		CostUSD:          0.0125,
		LatencyMs:        820,
		CreatedAt:        now,
	}
	require.NoError(t, store.LogUsage(ctx, rec))
	assert.NotEmpty(t, rec.ID, "LogUsage assigns an id")

	recs, err := store.GetUsageByTenant(ctx, "t1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, 100, got.PromptTokens)
	assert.Equal(t, 50, got.CompletionTokens)
	assert.True(t, got.Estimated)
	assert.InDelta(t, 0.0125, got.CostUSD, 1e-9)
	assert.EqualValues(t, 820, got.LatencyMs)
}

func TestSQLiteStore_FiltersByTenantAndRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, rec := range []*UsageRecord{
		{TenantID: "t1", RequestID: "a", Provider: "openai", Model: "gpt-4o", CostUSD: 0.10, CreatedAt: now},
		{TenantID: "t1", RequestID: "b", Provider: "openai", Model: "gpt-4o", CostUSD: 0.20, CreatedAt: now.Add(-48 * time.Hour)},
		{TenantID: "t2", RequestID: "c", Provider: "claude", Model: "claude-3-opus-20240229", CostUSD: 0.40, CreatedAt: now},
	} {
		require.NoError(t, store.LogUsage(ctx, rec))
	}

	recs, err := store.GetUsageByTenant(ctx, "t1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].RequestID)

	total, err := store.GetTotalCostByTenant(ctx, "t1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.10, total, 1e-9)

	total, err = store.GetTotalCostByTenant(ctx, "t1", now.Add(-72*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.30, total, 1e-9)

	total, err = store.GetTotalCostByTenant(ctx, "t3", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}
