// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/model"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS triggers (
		id                TEXT PRIMARY KEY,
		asset             TEXT NOT NULL,
		direction         TEXT NOT NULL,
		threshold_percent DOUBLE PRECISION NOT NULL,
		baseline_price    DOUBLE PRECISION NOT NULL,
		action_percent    DOUBLE PRECISION NOT NULL,
		venue             TEXT NOT NULL DEFAULT '',
		schedule          TEXT NOT NULL DEFAULT '',
		enabled           BOOLEAN NOT NULL,
		fired             BOOLEAN NOT NULL,
		check_count       INTEGER NOT NULL,
		last_checked_at   TIMESTAMPTZ,
		fired_at          TIMESTAMPTZ,
		tx_id             TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		job_id      TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		success     BOOLEAN NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id           BIGSERIAL PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		total_value  DOUBLE PRECISION NOT NULL,
		holdings     JSONB NOT NULL,
		prices       JSONB NOT NULL,
		allocations  JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_portfolio ON portfolio_snapshots(portfolio_id, id)`,
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to dsn, verifies the connection and applies migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Str("host", config.ConnConfig.Host).Str("database", config.ConnConfig.Database).Msg("postgres store opened")
	return &Store{pool: pool, now: time.Now}, nil
}

const triggerColumns = `id, asset, direction, threshold_percent, baseline_price, action_percent,
	venue, schedule, enabled, fired, check_count, last_checked_at, fired_at, tx_id,
	created_at, updated_at`

const upsertTrigger = `INSERT INTO triggers (` + triggerColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	ON CONFLICT (id) DO UPDATE SET
		asset=EXCLUDED.asset, direction=EXCLUDED.direction,
		threshold_percent=EXCLUDED.threshold_percent, baseline_price=EXCLUDED.baseline_price,
		action_percent=EXCLUDED.action_percent, venue=EXCLUDED.venue, schedule=EXCLUDED.schedule,
		enabled=EXCLUDED.enabled, fired=EXCLUDED.fired, check_count=EXCLUDED.check_count,
		last_checked_at=EXCLUDED.last_checked_at, fired_at=EXCLUDED.fired_at, tx_id=EXCLUDED.tx_id,
		updated_at=EXCLUDED.updated_at`

func triggerArgs(t model.Trigger) []any {
	return []any{
		t.ID, t.Asset, string(t.Direction), t.ThresholdPercent, t.BaselinePrice, t.ActionPercent,
		t.Venue, t.Schedule, t.Enabled, t.Fired, t.CheckCount, t.LastCheckedAt, t.FiredAt, t.TxID,
		t.CreatedAt, t.UpdatedAt,
	}
}

func (s *Store) SaveTrigger(ctx context.Context, t model.Trigger) error {
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if _, err := s.pool.Exec(ctx, upsertTrigger, triggerArgs(t)...); err != nil {
		return fmt.Errorf("save trigger %s: %w", t.ID, err)
	}
	return nil
}

func scanTrigger(row pgx.Row) (model.Trigger, error) {
	var (
		t         model.Trigger
		direction string
	)
	err := row.Scan(&t.ID, &t.Asset, &direction, &t.ThresholdPercent, &t.BaselinePrice, &t.ActionPercent,
		&t.Venue, &t.Schedule, &t.Enabled, &t.Fired, &t.CheckCount, &t.LastCheckedAt, &t.FiredAt, &t.TxID,
		&t.CreatedAt, &t.UpdatedAt)
	t.Direction = model.Direction(direction)
	return t, err
}

func (s *Store) LoadTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	defer rows.Close()

	var out []model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTrigger(ctx context.Context, id string, patch model.TriggerPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := scanTrigger(tx.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("trigger %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", id, err)
	}
	patch.Apply(&t)
	t.UpdatedAt = s.now().UTC()
	if _, err := tx.Exec(ctx, upsertTrigger, triggerArgs(t)...); err != nil {
		return fmt.Errorf("update trigger %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordExecution(ctx context.Context, rec model.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO executions
		(id, job_id, started_at, duration_ms, success, error)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.JobID, rec.StartedAt, rec.DurationMs(), rec.Success, rec.Error)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) ExecutionHistory(ctx context.Context, limit int) ([]model.ExecutionRecord, error) {
	query := `SELECT id, job_id, started_at, duration_ms, success, error FROM executions ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var (
			rec        model.ExecutionRecord
			durationMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.StartedAt, &durationMs, &rec.Success, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordSnapshot(ctx context.Context, portfolioID string, snap model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO portfolio_snapshots
		(portfolio_id, ts, total_value, holdings, prices, allocations)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		portfolioID, snap.Timestamp, snap.TotalValue, snap.Holdings, snap.Prices, snap.Allocations)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", portfolioID, err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, portfolioID string) (model.PortfolioSnapshot, error) {
	var snap model.PortfolioSnapshot
	err := s.pool.QueryRow(ctx, `SELECT ts, total_value, holdings, prices, allocations
		FROM portfolio_snapshots WHERE portfolio_id = $1 ORDER BY id DESC LIMIT 1`, portfolioID).
		Scan(&snap.Timestamp, &snap.TotalValue, &snap.Holdings, &snap.Prices, &snap.Allocations)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, fmt.Errorf("snapshot of %s: %w", portfolioID, model.ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("latest snapshot %s: %w", portfolioID, err)
	}
	return snap, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
