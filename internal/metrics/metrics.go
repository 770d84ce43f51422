package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Every task series is partitioned by task type only. Delivery ids and
// payload content never become label values.
var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_webhooks_total",
			Help: "Total number of webhook requests by event and outcome.",
		},
		[]string{"event", "outcome"}, // outcome: accepted, duplicate, unauthorized, bad_request, publish_failed, ignored
	)

	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_published_total",
			Help: "Total number of task envelopes published by the gateway.",
		},
		[]string{"task_type"},
	)

	TasksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_received_total",
			Help: "Total number of task deliveries received by workers.",
		},
		[]string{"task_type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_completed_total",
			Help: "Total number of tasks whose side effect completed.",
		},
		[]string{"task_type"},
	)

	TasksDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_duplicate_total",
			Help: "Total number of deliveries skipped because the task already completed.",
		},
		[]string{"task_type"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_retried_total",
			Help: "Total number of task retries by reason.",
		},
		[]string{"task_type", "reason"}, // e.g. transient, timeout, transient_auth
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbot_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter topic by reason.",
		},
		[]string{"task_type", "reason"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborbot_tasks_in_flight",
			Help: "Number of tasks currently being executed.",
		},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborbot_task_duration_seconds",
			Help:    "Task handler execution time.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborbot_queue_depth",
			Help: "Messages waiting in the broker per topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	QueueInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborbot_queue_in_flight",
			Help: "Messages handed to consumers and not yet finished per topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	LedgerPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborbot_ledger_purged_total",
			Help: "Total number of ledger records removed after their retention horizon.",
		},
	)
)

// MustRegister registers every collector on reg
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhooksTotal,
		TasksPublishedTotal,
		TasksReceivedTotal,
		TasksCompletedTotal,
		TasksDuplicateTotal,
		TasksRetriedTotal,
		TasksDeadLetteredTotal,
		TasksInFlight,
		TaskDurationSeconds,
		QueueDepth,
		QueueInFlight,
		LedgerPurgedTotal,
	)
}

// Reset zeroes every series; tests use it between scenarios
func Reset() {
	WebhooksTotal.Reset()
	TasksPublishedTotal.Reset()
	TasksReceivedTotal.Reset()
	TasksCompletedTotal.Reset()
	TasksDuplicateTotal.Reset()
	TasksRetriedTotal.Reset()
	TasksDeadLetteredTotal.Reset()
	TasksInFlight.Set(0)
	TaskDurationSeconds.Reset()
	QueueDepth.Reset()
	QueueInFlight.Reset()
}

func RecordWebhook(event, outcome string) {
	WebhooksTotal.WithLabelValues(event, outcome).Inc()
}

func RecordTaskPublished(taskType string) {
	TasksPublishedTotal.WithLabelValues(taskType).Inc()
}

func RecordTaskReceived(taskType string) {
	TasksReceivedTotal.WithLabelValues(taskType).Inc()
}

// RecordTaskCompleted counts a completed task and observes its handler time
func RecordTaskCompleted(taskType string, d time.Duration) {
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
	TaskDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// ObserveTaskDuration records handler time for a failed attempt
func ObserveTaskDuration(taskType string, d time.Duration) {
	TaskDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

func RecordTaskDuplicate(taskType string) {
	TasksDuplicateTotal.WithLabelValues(taskType).Inc()
}

func RecordTaskRetried(taskType, reason string) {
	TasksRetriedTotal.WithLabelValues(taskType, reason).Inc()
}

func RecordTaskDeadLettered(taskType, reason string) {
	TasksDeadLetteredTotal.WithLabelValues(taskType, reason).Inc()
}

// TaskStarted bumps the in-flight gauge; call the returned func when done
func TaskStarted() func() {
	TasksInFlight.Inc()
	return TasksInFlight.Dec
}

// UpdateQueue publishes a broker depth sample
func UpdateQueue(topic, channel string, depth, inFlight float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
	QueueInFlight.WithLabelValues(topic, channel).Set(inFlight)
}

func RecordLedgerPurged(n int64) {
	LedgerPurgedTotal.Add(float64(n))
}
