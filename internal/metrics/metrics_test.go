package metrics

import (
	"testing"
	"time"

	"github.com/nadmax/clipmill/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSubmission(t *testing.T) {
	BatchesSubmitted.Reset()

	outcomes := []string{SubmissionAccepted, SubmissionInvalid, SubmissionNoCredits, SubmissionInternalFail}
	for _, outcome := range outcomes {
		t.Run(outcome, func(t *testing.T) {
			RecordSubmission(outcome)

			count := getCounterValue(t, BatchesSubmitted, outcome)
			assert.Equal(t, 1.0, count)
		})
	}
}

func TestRecordItem(t *testing.T) {
	ItemsProcessed.Reset()
	ItemDuration.Reset()

	RecordItem(task.ItemSuccess, 2*time.Second)
	RecordItem(task.ItemSuccess, 3*time.Second)
	RecordItem(task.ItemFailed, 500*time.Millisecond)

	assert.Equal(t, 2.0, getCounterValue(t, ItemsProcessed, "success"))
	assert.Equal(t, 1.0, getCounterValue(t, ItemsProcessed, "failed"))
	assert.Equal(t, 5.0, getHistogramSum(t, ItemDuration, "success"))
	assert.Equal(t, 0.5, getHistogramSum(t, ItemDuration, "failed"))
}

func TestRecordBatchFinished(t *testing.T) {
	BatchesFinished.Reset()
	BatchDuration.Reset()

	RecordBatchFinished(task.StatusCompleted, time.Minute)
	RecordBatchFinished(task.StatusFailed, time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, BatchesFinished, "completed"))
	assert.Equal(t, 1.0, getCounterValue(t, BatchesFinished, "failed"))
	assert.Equal(t, 60.0, getHistogramSum(t, BatchDuration, "completed"))
}

func TestRecordBatchWait(t *testing.T) {
	before := getPlainHistogram(t, BatchWaitTime).GetSampleCount()

	RecordBatchWait(250 * time.Millisecond)

	after := getPlainHistogram(t, BatchWaitTime).GetSampleCount()
	assert.Equal(t, before+1, after)
}

func TestRecordDebit(t *testing.T) {
	before := getPlainCounter(t, CreditsDebited)

	RecordDebit(3)
	RecordDebit(2)

	assert.Equal(t, before+5, getPlainCounter(t, CreditsDebited))
}

func TestRecordDebitFailure(t *testing.T) {
	before := getPlainCounter(t, DebitFailures)

	RecordDebitFailure()

	assert.Equal(t, before+1, getPlainCounter(t, DebitFailures))
}

func TestUpdateTaskGauges(t *testing.T) {
	TasksByStatus.Reset()

	UpdateTaskGauges(map[task.TaskStatus]int{
		task.StatusPending:   2,
		task.StatusRunning:   1,
		task.StatusCompleted: 10,
	})

	assert.Equal(t, 2.0, getGaugeValue(t, TasksByStatus, "pending"))
	assert.Equal(t, 1.0, getGaugeValue(t, TasksByStatus, "running"))
	assert.Equal(t, 10.0, getGaugeValue(t, TasksByStatus, "completed"))
}

func TestUpdateTaskGauges_Reset(t *testing.T) {
	TasksByStatus.Reset()

	UpdateTaskGauges(map[task.TaskStatus]int{task.StatusRunning: 5})
	UpdateTaskGauges(map[task.TaskStatus]int{task.StatusCompleted: 3})

	assert.Equal(t, 3.0, getGaugeValue(t, TasksByStatus, "completed"))
	assert.Equal(t, 0.0, getGaugeValue(t, TasksByStatus, "running"), "stale labels should be cleared")
}

func TestUpdateActiveBatches(t *testing.T) {
	counts := []int{0, 1, 5, 10}

	for _, count := range counts {
		UpdateActiveBatches(count)

		metric := &dto.Metric{}
		err := BatchesActive.Write(metric)
		require.NoError(t, err)

		assert.Equal(t, float64(count), metric.Gauge.GetValue())
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{
			name:     "progress poll",
			method:   "GET",
			endpoint: "/api/progress/:id",
			status:   "200",
			duration: 5 * time.Millisecond,
		},
		{
			name:     "rejected submission",
			method:   "POST",
			endpoint: "/api/batches",
			status:   "402",
			duration: 20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func TestItemDurationHistogramBuckets(t *testing.T) {
	ItemDuration.Reset()

	durations := []time.Duration{
		100 * time.Millisecond,
		1 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	for _, d := range durations {
		RecordItem(task.ItemSuccess, d)
	}

	metric := getHistogramMetric(t, ItemDuration, "success")
	assert.Equal(t, uint64(len(durations)), metric.Histogram.GetSampleCount())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	err = observer.Write(metric)
	require.NoError(t, err)
	return metric.Counter.GetValue()
}

func getPlainCounter(t *testing.T, counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	err = observer.Write(metric)
	require.NoError(t, err)
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := getHistogramMetric(t, histogram, labels...)
	return metric.Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	err = h.Write(metric)
	require.NoError(t, err)
	return metric
}

func getPlainHistogram(t *testing.T, histogram prometheus.Histogram) *dto.Histogram {
	metric := &dto.Metric{}
	require.NoError(t, histogram.Write(metric))
	return metric.Histogram
}
