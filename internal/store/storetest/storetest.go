// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/store"
)

func ptr[T any](v T) *T { return &v }

func sampleTrigger(id string, created time.Time) model.Trigger {
	return model.Trigger{
		ID:               id,
		Asset:            "ETH",
		Direction:        model.DirectionAbove,
		ThresholdPercent: 15,
		BaselinePrice:    2000,
		ActionPercent:    50,
		Venue:            "uniswap",
		Schedule:         "*/5 * * * *",
		Enabled:          true,
		CreatedAt:        created,
	}
}

// Run exercises s against the Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SaveAndLoadTriggers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.SaveTrigger(ctx, sampleTrigger("b", base.Add(time.Minute))))
		require.NoError(t, s.SaveTrigger(ctx, sampleTrigger("a", base)))

		got, err := s.LoadTriggers(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
		assert.Equal(t, model.DirectionAbove, got[0].Direction)
		assert.Equal(t, 15.0, got[0].ThresholdPercent)
		assert.Equal(t, 2000.0, got[0].BaselinePrice)
		assert.Equal(t, "*/5 * * * *", got[0].Schedule)
		assert.True(t, got[0].Enabled)
		assert.Nil(t, got[0].FiredAt)
		assert.WithinDuration(t, base, got[0].CreatedAt, time.Millisecond)
		assert.False(t, got[0].UpdatedAt.IsZero())
	})

	t.Run("SaveTriggerUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		tr := sampleTrigger("eth-pump", created)
		require.NoError(t, s.SaveTrigger(ctx, tr))

		tr.BaselinePrice = 2500
		tr.CreatedAt = created.Add(time.Hour)
		require.NoError(t, s.SaveTrigger(ctx, tr))

		got, err := s.LoadTriggers(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2500.0, got[0].BaselinePrice)
		assert.WithinDuration(t, created, got[0].CreatedAt, time.Millisecond)
	})

	t.Run("UpdateTrigger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SaveTrigger(ctx, sampleTrigger("eth-pump", time.Now())))

		checked := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
		require.NoError(t, s.UpdateTrigger(ctx, "eth-pump", model.TriggerPatch{
			CheckCount:    ptr(3),
			LastCheckedAt: &checked,
			Fired:         ptr(true),
			FiredAt:       &checked,
			TxID:          ptr("0xabc"),
		}))

		got, err := s.LoadTriggers(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].CheckCount)
		assert.True(t, got[0].Fired)
		assert.Equal(t, "0xabc", got[0].TxID)
		require.NotNil(t, got[0].LastCheckedAt)
		assert.WithinDuration(t, checked, *got[0].LastCheckedAt, time.Millisecond)
		require.NotNil(t, got[0].FiredAt)
		assert.Equal(t, 2000.0, got[0].BaselinePrice)

		require.NoError(t, s.UpdateTrigger(ctx, "eth-pump", model.TriggerPatch{
			Fired:         ptr(false),
			TxID:          ptr(""),
			BaselinePrice: ptr(2300.0),
		}))
		got, err = s.LoadTriggers(ctx)
		require.NoError(t, err)
		assert.False(t, got[0].Fired)
		assert.Nil(t, got[0].FiredAt)
		assert.Empty(t, got[0].TxID)
		assert.Equal(t, 2300.0, got[0].BaselinePrice)
		assert.Equal(t, 3, got[0].CheckCount)
	})

	t.Run("UpdateUnknownTrigger", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateTrigger(context.Background(), "missing", model.TriggerPatch{CheckCount: ptr(1)})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("ExecutionHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"r1", "r2", "r3"} {
			rec := model.ExecutionRecord{
				ID:        id,
				JobID:     "trigger:eth-pump",
				StartedAt: start.Add(time.Duration(i) * time.Minute),
				Duration:  time.Duration(i+1) * 10 * time.Millisecond,
				Success:   i != 1,
			}
			if !rec.Success {
				rec.Error = "price unavailable"
			}
			require.NoError(t, s.RecordExecution(ctx, rec))
		}

		got, err := s.ExecutionHistory(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "r3", got[0].ID)
		assert.Equal(t, "r2", got[1].ID)
		assert.False(t, got[1].Success)
		assert.Equal(t, "price unavailable", got[1].Error)
		assert.Equal(t, 20*time.Millisecond, got[1].Duration)
		assert.WithinDuration(t, start.Add(time.Minute), got[1].StartedAt, time.Millisecond)

		all, err := s.ExecutionHistory(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Snapshots", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LatestSnapshot(ctx, "main")
		assert.ErrorIs(t, err, model.ErrNotFound)

		ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, total := range []float64{10000, 10400} {
			require.NoError(t, s.RecordSnapshot(ctx, "main", model.PortfolioSnapshot{
				Timestamp:   ts.Add(time.Duration(i) * time.Hour),
				TotalValue:  total,
				Holdings:    map[string]float64{"ETH": 3, "USDC": 4000},
				Prices:      map[string]float64{"ETH": 2000, "USDC": 1},
				Allocations: map[string]float64{"ETH": 60, "USDC": 40},
			}))
		}
		require.NoError(t, s.RecordSnapshot(ctx, "other", model.PortfolioSnapshot{Timestamp: ts, TotalValue: 1}))

		got, err := s.LatestSnapshot(ctx, "main")
		require.NoError(t, err)
		assert.Equal(t, 10400.0, got.TotalValue)
		assert.Equal(t, 3.0, got.Holdings["ETH"])
		assert.Equal(t, 60.0, got.Allocations["ETH"])
		assert.WithinDuration(t, ts.Add(time.Hour), got.Timestamp, time.Millisecond)
	})
}

// SeedTrigger saves a sample trigger with id.
func SeedTrigger(t *testing.T, s store.Store, id string) {
	t.Helper()
	require.NoError(t, s.SaveTrigger(context.Background(), sampleTrigger(id, time.Now())))
}

// RequireTrigger fails unless s holds a trigger with id.
func RequireTrigger(t *testing.T, s store.Store, id string) {
	t.Helper()
	got, err := s.LoadTriggers(context.Background())
	require.NoError(t, err)
	for _, tr := range got {
		if tr.ID == id {
			return
		}
	}
	t.Fatalf("trigger %s not found", id)
}
