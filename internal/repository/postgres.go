// Package repository provides PostgreSQL persistence for batch history.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/clipmill/internal/repository/models"
	"github.com/nadmax/clipmill/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS batch_history (
	task_id         TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	total_items     INTEGER NOT NULL CHECK (total_items > 0),
	status          TEXT NOT NULL,
	succeeded_items INTEGER NOT NULL DEFAULT 0,
	failed_items    INTEGER NOT NULL DEFAULT 0,
	charged         INTEGER NOT NULL DEFAULT 0,
	failure_reason  TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	duration_ms     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_batch_history_user ON batch_history (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS batch_item_log (
	id            BIGSERIAL PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES batch_history (task_id) ON DELETE CASCADE,
	item_index    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	output_path   TEXT,
	error_message TEXT,
	duration_ms   INTEGER,
	logged_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (task_id, item_index)
);
`

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresTaskRepositoryFromDB(db), nil
}

func NewPostgresTaskRepositoryFromDB(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

func (r *PostgresTaskRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create batch history schema: %w", err)
	}
	return nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO batch_history (
			task_id, user_id, total_items, status, created_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.UserID,
		t.TotalItems,
		t.Status,
		t.CreatedAt,
	)

	return err
}

func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error {
	statusStr := string(status)
	query := `
		UPDATE batch_history
		SET status = $1,
		    started_at = CASE WHEN $1::text = 'running' THEN NOW() ELSE started_at END
		WHERE task_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, statusStr, taskID)
	return err
}

func (r *PostgresTaskRepository) LogItem(ctx context.Context, taskID string, item task.ItemResult) error {
	query := `
		INSERT INTO batch_item_log (
			task_id, item_index, status, output_path, error_message, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, item_index) DO NOTHING
	`

	var outputPath any
	if item.OutputPath != "" {
		outputPath = item.OutputPath
	}

	var msgErr any
	if item.Error != "" {
		msgErr = item.Error
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		taskID,
		item.Index,
		string(item.Status),
		outputPath,
		msgErr,
		int(item.Duration.Milliseconds()),
	)

	return err
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, t *task.Task, durationMs int) error {
	query := `
		UPDATE batch_history
		SET status = 'completed',
		    completed_at = NOW(),
		    succeeded_items = $1,
		    failed_items = $2,
		    charged = $3,
		    failure_reason = NULLIF($4, ''),
		    duration_ms = $5
		WHERE task_id = $6
	`
	_, err := r.db.ExecContext(ctx, query, t.SuccessCount(), t.FailedCount(), t.Charged, t.ChargeError, durationMs, t.ID)

	return err
}

func (r *PostgresTaskRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	query := `
		UPDATE batch_history
		SET status = 'failed',
		    completed_at = NOW(),
		    failure_reason = $1,
		    duration_ms = $2
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) GetBatchStats(ctx context.Context, hours int) ([]models.BatchStats, error) {
	query := `
		SELECT
			status, COUNT(*) as count,
			COALESCE(SUM(total_items), 0) as total_items,
			COALESCE(SUM(succeeded_items), 0) as succeeded_items,
			COALESCE(SUM(failed_items), 0) as failed_items,
			COALESCE(SUM(charged), 0) as credits_charged,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms,
			COALESCE(AVG(total_items), 0) as avg_items
		FROM batch_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var stats []models.BatchStats
	for rows.Next() {
		var s models.BatchStats
		if err := rows.Scan(
			&s.Status,
			&s.Count,
			&s.TotalItems,
			&s.SucceededItems,
			&s.FailedItems,
			&s.CreditsCharged,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
			&s.AvgItemsPerTask,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) GetRecentBatches(ctx context.Context, limit int) ([]models.RecentBatch, error) {
	query := `
		SELECT
			task_id, user_id, status, total_items, succeeded_items, failed_items,
			charged, created_at, completed_at, duration_ms, COALESCE(failure_reason, '')
		FROM batch_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.queryBatches(ctx, query, limit)
}

func (r *PostgresTaskRepository) GetBatchesByUser(ctx context.Context, userID string, limit int) ([]models.RecentBatch, error) {
	query := `
		SELECT
			task_id, user_id, status, total_items, succeeded_items, failed_items,
			charged, created_at, completed_at, duration_ms, COALESCE(failure_reason, '')
		FROM batch_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryBatches(ctx, query, userID, limit)
}

func (r *PostgresTaskRepository) queryBatches(ctx context.Context, query string, args ...any) ([]models.RecentBatch, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var batches []models.RecentBatch
	for rows.Next() {
		var b models.RecentBatch
		if err := rows.Scan(
			&b.TaskID,
			&b.UserID,
			&b.Status,
			&b.TotalItems,
			&b.SucceededItems,
			&b.FailedItems,
			&b.Charged,
			&b.CreatedAt,
			&b.CompletedAt,
			&b.DurationMs,
			&b.FailureReason,
		); err != nil {
			return nil, err
		}

		batches = append(batches, b)
	}

	return batches, rows.Err()
}

func (r *PostgresTaskRepository) GetItemLog(ctx context.Context, taskID string) ([]models.ItemLog, error) {
	query := `
		SELECT
			item_index, status, output_path, error_message, duration_ms, logged_at
		FROM batch_item_log
		WHERE task_id = $1
		ORDER BY item_index ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var items []models.ItemLog
	for rows.Next() {
		var it models.ItemLog
		var outputPath, msgErr sql.NullString
		var durationMs sql.NullInt64

		if err := rows.Scan(
			&it.Index,
			&it.Status,
			&outputPath,
			&msgErr,
			&durationMs,
			&it.LoggedAt,
		); err != nil {
			return nil, err
		}

		it.OutputPath = outputPath.String
		it.Error = msgErr.String
		it.DurationMs = int(durationMs.Int64)

		items = append(items, it)
	}

	return items, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}
