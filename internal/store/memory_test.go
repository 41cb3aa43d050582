package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/store"
	"PortfolioAutopilot/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestMemory_BoundsExecutionHistory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySized(3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.RecordExecution(ctx, model.ExecutionRecord{
			ID:        fmt.Sprintf("r%d", i),
			JobID:     "trigger:eth",
			StartedAt: time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
			Success:   true,
		}))
	}
	hist, err := m.ExecutionHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "r5", hist[0].ID)
	assert.Equal(t, "r3", hist[2].ID)
}

func TestMemory_KeepsLatestSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.RecordSnapshot(ctx, "main", model.PortfolioSnapshot{TotalValue: float64(i * 100)}))
	}
	snap, err := m.LatestSnapshot(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 300.0, snap.TotalValue)
}
