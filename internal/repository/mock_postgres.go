package repository

import (
	"context"
	"sync"

	"github.com/nadmax/clipmill/internal/repository/models"
	"github.com/nadmax/clipmill/internal/task"
)

type MockPostgresRepository struct {
	mu                    sync.Mutex
	SaveTaskCalls         []SaveTaskCall
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	LogItemCalls          []LogItemCall
	CompleteTaskCalls     []CompleteTaskCall
	FailTaskCalls         []FailTaskCall
	Tasks                 map[string]*task.Task
	BatchStats            []models.BatchStats
	RecentBatches         []models.RecentBatch
	SaveTaskError         error
	LogItemError          error
	CompleteTaskError     error
	FailTaskError         error
	GetBatchStatsError    error
	GetRecentError        error
}

type SaveTaskCall struct {
	Task *task.Task
}

type UpdateTaskStatusCall struct {
	TaskID string
	Status task.TaskStatus
}

type LogItemCall struct {
	TaskID string
	Item   task.ItemResult
}

type CompleteTaskCall struct {
	TaskID     string
	Charged    int
	Succeeded  int
	Failed     int
	DurationMs int
}

type FailTaskCall struct {
	TaskID     string
	Reason     string
	DurationMs int
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:         make(map[string]*task.Task),
		BatchStats:    make([]models.BatchStats, 0),
		RecentBatches: make([]models.RecentBatch, 0),
	}
}

func (m *MockPostgresRepository) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: t.Clone()})

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = t.Clone()
	return nil
}

func (m *MockPostgresRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID: taskID,
		Status: status,
	})

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = status
	}

	return nil
}

func (m *MockPostgresRepository) LogItem(ctx context.Context, taskID string, item task.ItemResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogItemCalls = append(m.LogItemCalls, LogItemCall{TaskID: taskID, Item: item})

	return m.LogItemError
}

func (m *MockPostgresRepository) CompleteTask(ctx context.Context, t *task.Task, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{
		TaskID:     t.ID,
		Charged:    t.Charged,
		Succeeded:  t.SuccessCount(),
		Failed:     t.FailedCount(),
		DurationMs: durationMs,
	})

	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}

	if stored, exists := m.Tasks[t.ID]; exists {
		stored.Status = task.StatusCompleted
		stored.Charged = t.Charged
	}

	return nil
}

func (m *MockPostgresRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{
		TaskID:     taskID,
		Reason:     reason,
		DurationMs: durationMs,
	})

	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusFailed
		t.Error = reason
	}

	return nil
}

func (m *MockPostgresRepository) GetBatchStats(ctx context.Context, hours int) ([]models.BatchStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetBatchStatsError != nil {
		return nil, m.GetBatchStatsError
	}

	return m.BatchStats, nil
}

func (m *MockPostgresRepository) GetRecentBatches(ctx context.Context, limit int) ([]models.RecentBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentError != nil {
		return nil, m.GetRecentError
	}

	if len(m.RecentBatches) > limit {
		return m.RecentBatches[:limit], nil
	}

	return m.RecentBatches, nil
}

func (m *MockPostgresRepository) GetBatchesByUser(ctx context.Context, userID string, limit int) ([]models.RecentBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentError != nil {
		return nil, m.GetRecentError
	}

	var filtered []models.RecentBatch
	for _, b := range m.RecentBatches {
		if b.UserID == userID {
			filtered = append(filtered, b)
			if len(filtered) >= limit {
				break
			}
		}
	}

	return filtered, nil
}

func (m *MockPostgresRepository) GetItemLog(ctx context.Context, taskID string) ([]models.ItemLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []models.ItemLog
	for _, call := range m.LogItemCalls {
		if call.TaskID == taskID {
			items = append(items, models.ItemLog{
				Index:      call.Item.Index,
				Status:     string(call.Item.Status),
				OutputPath: call.Item.OutputPath,
				Error:      call.Item.Error,
				DurationMs: int(call.Item.Duration.Milliseconds()),
			})
		}
	}

	return items, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

func (m *MockPostgresRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

func (m *MockPostgresRepository) GetLogItemCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogItemCalls)
}

func (m *MockPostgresRepository) GetCompleteTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CompleteTaskCalls)
}

func (m *MockPostgresRepository) GetFailTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.FailTaskCalls)
}

func (m *MockPostgresRepository) GetUpdateTaskStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpdateTaskStatusCalls)
}

func (m *MockPostgresRepository) WasTaskSaved(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.Tasks[taskID]
	return exists
}

func (m *MockPostgresRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

func (m *MockPostgresRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = nil
	m.UpdateTaskStatusCalls = nil
	m.LogItemCalls = nil
	m.CompleteTaskCalls = nil
	m.FailTaskCalls = nil
	m.Tasks = make(map[string]*task.Task)
}
