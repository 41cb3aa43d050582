// Package store persists trigger state, execution records and portfolio
// snapshots.
package store

import (
	"context"

	"PortfolioAutopilot/internal/model"
)

// Store is the persistence boundary. Unknown ids wrap model.ErrNotFound.
type Store interface {
	// SaveTrigger inserts or replaces a trigger. CreatedAt of an existing row is kept.
	SaveTrigger(ctx context.Context, t model.Trigger) error
	// LoadTriggers returns all triggers ordered by creation time.
	LoadTriggers(ctx context.Context) ([]model.Trigger, error)
	// UpdateTrigger applies patch to the stored trigger id.
	UpdateTrigger(ctx context.Context, id string, patch model.TriggerPatch) error

	RecordExecution(ctx context.Context, rec model.ExecutionRecord) error
	// ExecutionHistory returns up to limit records, newest first.
	ExecutionHistory(ctx context.Context, limit int) ([]model.ExecutionRecord, error)

	RecordSnapshot(ctx context.Context, portfolioID string, snap model.PortfolioSnapshot) error
	// LatestSnapshot returns the most recent snapshot of portfolioID.
	LatestSnapshot(ctx context.Context, portfolioID string) (model.PortfolioSnapshot, error)

	Close() error
}
