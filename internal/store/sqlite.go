package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"PortfolioAutopilot/internal/model"
)

// SQLite persists state to a local SQLite database.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the ops server read while jobs write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS triggers (
			id                TEXT PRIMARY KEY,
			asset             TEXT NOT NULL,
			direction         TEXT NOT NULL,
			threshold_percent REAL NOT NULL,
			baseline_price    REAL NOT NULL,
			action_percent    REAL NOT NULL,
			venue             TEXT,
			schedule          TEXT,
			enabled           INTEGER NOT NULL,
			fired             INTEGER NOT NULL,
			check_count       INTEGER NOT NULL,
			last_checked_at   INTEGER,
			fired_at          INTEGER,
			tx_id             TEXT,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			job_id      TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			success     INTEGER NOT NULL,
			error       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			portfolio_id TEXT NOT NULL,
			timestamp    INTEGER NOT NULL,
			total_value  REAL NOT NULL,
			holdings     TEXT NOT NULL,
			prices       TEXT NOT NULL,
			allocations  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_portfolio ON portfolio_snapshots(portfolio_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

const triggerColumns = `id, asset, direction, threshold_percent, baseline_price, action_percent,
	venue, schedule, enabled, fired, check_count, last_checked_at, fired_at, tx_id,
	created_at, updated_at`

func (s *SQLite) SaveTrigger(ctx context.Context, t model.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return s.upsertTrigger(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) upsertTrigger(ctx context.Context, db execer, t model.Trigger) error {
	_, err := db.ExecContext(ctx, `INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			asset=excluded.asset, direction=excluded.direction,
			threshold_percent=excluded.threshold_percent, baseline_price=excluded.baseline_price,
			action_percent=excluded.action_percent, venue=excluded.venue, schedule=excluded.schedule,
			enabled=excluded.enabled, fired=excluded.fired, check_count=excluded.check_count,
			last_checked_at=excluded.last_checked_at, fired_at=excluded.fired_at, tx_id=excluded.tx_id,
			updated_at=excluded.updated_at`,
		t.ID, t.Asset, string(t.Direction), t.ThresholdPercent, t.BaselinePrice, t.ActionPercent,
		t.Venue, t.Schedule, t.Enabled, t.Fired, t.CheckCount,
		nullMillis(t.LastCheckedAt), nullMillis(t.FiredAt), t.TxID,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save trigger %s: %w", t.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row scanner) (model.Trigger, error) {
	var (
		t                    model.Trigger
		direction            string
		venue, schedule, tx  sql.NullString
		lastChecked, firedAt sql.NullInt64
		created, updated     int64
	)
	err := row.Scan(&t.ID, &t.Asset, &direction, &t.ThresholdPercent, &t.BaselinePrice, &t.ActionPercent,
		&venue, &schedule, &t.Enabled, &t.Fired, &t.CheckCount, &lastChecked, &firedAt, &tx,
		&created, &updated)
	if err != nil {
		return t, err
	}
	t.Direction = model.Direction(direction)
	t.Venue, t.Schedule, t.TxID = venue.String, schedule.String, tx.String
	t.LastCheckedAt = fromNullMillis(lastChecked)
	t.FiredAt = fromNullMillis(firedAt)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func (s *SQLite) LoadTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at, id`)
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

func (s *SQLite) UpdateTrigger(ctx context.Context, id string, patch model.TriggerPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanTrigger(tx.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trigger %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", id, err)
	}
	patch.Apply(&t)
	t.UpdatedAt = s.now().UTC()
	if err := s.upsertTrigger(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) RecordExecution(ctx context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO executions
		(id, job_id, started_at, duration_ms, success, error)
		VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.JobID, rec.StartedAt.UnixMilli(), rec.DurationMs(), rec.Success, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) ExecutionHistory(ctx context.Context, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, started_at, duration_ms, success, error
		FROM executions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var (
			rec               model.ExecutionRecord
			started, duration int64
			msg               sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &started, &duration, &rec.Success, &msg); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started).UTC()
		rec.Duration = time.Duration(duration) * time.Millisecond
		rec.Error = msg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordSnapshot(ctx context.Context, portfolioID string, snap model.PortfolioSnapshot) error {
	holdings, prices, allocations, err := encodeSnapshotMaps(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO portfolio_snapshots
		(portfolio_id, timestamp, total_value, holdings, prices, allocations)
		VALUES (?,?,?,?,?,?)`,
		portfolioID, snap.Timestamp.UnixMilli(), snap.TotalValue, string(holdings), string(prices), string(allocations),
	)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", portfolioID, err)
	}
	return nil
}

func (s *SQLite) LatestSnapshot(ctx context.Context, portfolioID string) (model.PortfolioSnapshot, error) {
	var (
		snap                          model.PortfolioSnapshot
		ts                            int64
		holdings, prices, allocations string
	)
	err := s.db.QueryRowContext(ctx, `SELECT timestamp, total_value, holdings, prices, allocations
		FROM portfolio_snapshots WHERE portfolio_id = ? ORDER BY id DESC LIMIT 1`, portfolioID).
		Scan(&ts, &snap.TotalValue, &holdings, &prices, &allocations)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("snapshot of %s: %w", portfolioID, model.ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("latest snapshot %s: %w", portfolioID, err)
	}
	snap.Timestamp = time.UnixMilli(ts).UTC()
	if err := decodeSnapshotMaps(&snap, []byte(holdings), []byte(prices), []byte(allocations)); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *SQLite) Close() error {
	log.Info().Msg("closing sqlite store")
	return s.db.Close()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// encodeSnapshotMaps serializes the per-asset maps of snap as JSON.
func encodeSnapshotMaps(snap model.PortfolioSnapshot) (holdings, prices, allocations []byte, err error) {
	if holdings, err = json.Marshal(snap.Holdings); err != nil {
		return nil, nil, nil, fmt.Errorf("encode holdings: %w", err)
	}
	if prices, err = json.Marshal(snap.Prices); err != nil {
		return nil, nil, nil, fmt.Errorf("encode prices: %w", err)
	}
	if allocations, err = json.Marshal(snap.Allocations); err != nil {
		return nil, nil, nil, fmt.Errorf("encode allocations: %w", err)
	}
	return holdings, prices, allocations, nil
}

func decodeSnapshotMaps(snap *model.PortfolioSnapshot, holdings, prices, allocations []byte) error {
	if err := json.Unmarshal(holdings, &snap.Holdings); err != nil {
		return fmt.Errorf("decode holdings: %w", err)
	}
	if err := json.Unmarshal(prices, &snap.Prices); err != nil {
		return fmt.Errorf("decode prices: %w", err)
	}
	if err := json.Unmarshal(allocations, &snap.Allocations); err != nil {
		return fmt.Errorf("decode allocations: %w", err)
	}
	return nil
}
