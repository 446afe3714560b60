// Package task defines the batch task domain model shared by the registry, the processor and the API.
// It contains task and item status definitions, progress accounting and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	ItemStatus string
	Task       struct {
		ID             string       `json:"id"`
		UserID         string       `json:"user_id"`
		TotalItems     int          `json:"total_items"`
		CompletedItems int          `json:"completed_items"`
		Progress       float64      `json:"progress"`
		Status         TaskStatus   `json:"status"`
		Items          []ItemResult `json:"items"`
		Charged        int          `json:"charged"`
		ChargeError    string       `json:"charge_error,omitempty"`
		Error          string       `json:"error,omitempty"`
		CreatedAt      time.Time    `json:"created_at"`
		StartedAt      *time.Time   `json:"started_at,omitempty"`
		CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	}
	ItemResult struct {
		Index      int           `json:"index"`
		Status     ItemStatus    `json:"status"`
		OutputPath string        `json:"output_path,omitempty"`
		Error      string        `json:"error,omitempty"`
		Duration   time.Duration `json:"duration"`
	}
)

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

const (
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

func NewTask(userID string, totalItems int) *Task {
	return &Task{
		ID:         uuid.New().String(),
		UserID:     userID,
		TotalItems: totalItems,
		Status:     StatusPending,
		Items:      make([]ItemResult, 0, totalItems),
		CreatedAt:  time.Now(),
	}
}

func Succeeded(index int, outputPath string, d time.Duration) ItemResult {
	return ItemResult{Index: index, Status: ItemSuccess, OutputPath: outputPath, Duration: d}
}

func Failed(index int, msg string, d time.Duration) ItemResult {
	return ItemResult{Index: index, Status: ItemFailed, Error: msg, Duration: d}
}

// IsTerminal reports whether the task will never change again.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Append records the next item and recomputes progress. Callers must
// check ordering and capacity first.
func (t *Task) Append(r ItemResult) {
	t.Items = append(t.Items, r)
	t.CompletedItems++
	p := PercentOf(t.CompletedItems, t.TotalItems)
	if p > t.Progress {
		t.Progress = p
	}
}

func (t *Task) SuccessCount() int {
	n := 0
	for _, it := range t.Items {
		if it.Status == ItemSuccess {
			n++
		}
	}
	return n
}

func (t *Task) FailedCount() int {
	return len(t.Items) - t.SuccessCount()
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	c.Items = append([]ItemResult(nil), t.Items...)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}

func PercentOf(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}
