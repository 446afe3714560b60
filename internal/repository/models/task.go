// Package models contains data structures used by the batch history repository.
package models

import "time"

type BatchStats struct {
	Status          string  `json:"status"`
	Count           int     `json:"count"`
	TotalItems      int     `json:"total_items"`
	SucceededItems  int     `json:"succeeded_items"`
	FailedItems     int     `json:"failed_items"`
	CreditsCharged  int     `json:"credits_charged"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	MaxDurationMs   int     `json:"max_duration_ms"`
	MinDurationMs   int     `json:"min_duration_ms"`
	AvgItemsPerTask float64 `json:"avg_items_per_task"`
}

type RecentBatch struct {
	TaskID         string     `json:"task_id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	TotalItems     int        `json:"total_items"`
	SucceededItems int        `json:"succeeded_items"`
	FailedItems    int        `json:"failed_items"`
	Charged        int        `json:"charged"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     *int       `json:"duration_ms,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

type ItemLog struct {
	Index      int       `json:"index"`
	Status     string    `json:"status"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"duration_ms"`
	LoggedAt   time.Time `json:"logged_at,omitzero"`
}
