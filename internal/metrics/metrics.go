// Package metrics provides Prometheus metrics for monitoring the batch pipeline.
package metrics

import (
	"time"

	"github.com/nadmax/clipmill/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SubmissionAccepted     = "accepted"
	SubmissionInvalid      = "invalid"
	SubmissionNoCredits    = "insufficient_credits"
	SubmissionInternalFail = "error"
)

var (
	BatchesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipmill_batches_submitted_total",
			Help: "Total number of batch submissions by outcome",
		},
		[]string{"outcome"},
	)
	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipmill_batches_finished_total",
			Help: "Total number of batches that reached a terminal state",
		},
		[]string{"status"},
	)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipmill_items_processed_total",
			Help: "Total number of batch items attempted",
		},
		[]string{"status"},
	)
	ItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipmill_item_duration_seconds",
			Help:    "Time spent producing one output clip",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipmill_batch_duration_seconds",
			Help:    "Wall time of a batch from start to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)
	BatchWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clipmill_batch_wait_time_seconds",
			Help:    "Time batches spend pending before a worker slot is free",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		},
	)
	CreditsDebited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipmill_credits_debited_total",
			Help: "Total number of credits debited for finished batches",
		},
	)
	DebitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipmill_debit_failures_total",
			Help: "Total number of batch debits refused or failed",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clipmill_tasks",
			Help: "Current number of known tasks by status",
		},
		[]string{"status"},
	)
	BatchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clipmill_batches_active",
			Help: "Number of batches currently running",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipmill_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipmill_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordSubmission(outcome string) {
	BatchesSubmitted.WithLabelValues(outcome).Inc()
}

func RecordItem(status task.ItemStatus, duration time.Duration) {
	ItemsProcessed.WithLabelValues(string(status)).Inc()
	ItemDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func RecordBatchFinished(status task.TaskStatus, duration time.Duration) {
	BatchesFinished.WithLabelValues(string(status)).Inc()
	BatchDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func RecordBatchWait(waitTime time.Duration) {
	BatchWaitTime.Observe(waitTime.Seconds())
}

func RecordDebit(amount int) {
	CreditsDebited.Add(float64(amount))
}

func RecordDebitFailure() {
	DebitFailures.Inc()
}

func UpdateTaskGauges(counts map[task.TaskStatus]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func UpdateActiveBatches(count int) {
	BatchesActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
