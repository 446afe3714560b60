package repository

import (
	"context"

	"github.com/nadmax/clipmill/internal/repository/models"
	"github.com/nadmax/clipmill/internal/task"
)

// TaskRepository records batch lifecycle events for reporting. It is a
// history sink, not the live progress registry.
type TaskRepository interface {
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error
	LogItem(ctx context.Context, taskID string, item task.ItemResult) error
	CompleteTask(ctx context.Context, t *task.Task, durationMs int) error
	FailTask(ctx context.Context, taskID string, reason string, durationMs int) error
	GetBatchStats(ctx context.Context, hours int) ([]models.BatchStats, error)
	GetRecentBatches(ctx context.Context, limit int) ([]models.RecentBatch, error)
	GetBatchesByUser(ctx context.Context, userID string, limit int) ([]models.RecentBatch, error)
	GetItemLog(ctx context.Context, taskID string) ([]models.ItemLog, error)
	Close() error
}
