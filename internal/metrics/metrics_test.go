package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)
	Reset()

	// Record some values so metrics appear in Gather()
	RecordWebhook("pull_request", "accepted")
	RecordTaskPublished("label")
	RecordTaskReceived("label")
	RecordTaskCompleted("label", 100*time.Millisecond)
	RecordTaskDuplicate("label")
	RecordTaskRetried("trigger-ci", "transient")
	RecordTaskDeadLettered("merge", "permanent")
	TaskStarted()()
	UpdateQueue("tasks", "workers", 3, 1)
	RecordLedgerPurged(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, want := range []string{
		"harborbot_webhooks_total",
		"harborbot_tasks_published_total",
		"harborbot_tasks_received_total",
		"harborbot_tasks_completed_total",
		"harborbot_tasks_duplicate_total",
		"harborbot_tasks_retried_total",
		"harborbot_tasks_dead_lettered_total",
		"harborbot_tasks_in_flight",
		"harborbot_task_duration_seconds",
		"harborbot_queue_depth",
		"harborbot_queue_in_flight",
		"harborbot_ledger_purged_total",
	} {
		if !registered[want] {
			t.Errorf("Expected metric %s not found in registry", want)
		}
	}
}

func TestTaskCounters(t *testing.T) {
	Reset()

	tests := []struct {
		name     string
		taskType string
		calls    int
	}{
		{name: "single label", taskType: "label", calls: 1},
		{name: "several ci triggers", taskType: "trigger-ci", calls: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTaskReceived(tt.taskType)
				RecordTaskCompleted(tt.taskType, time.Second)
			}
			if got := testutil.ToFloat64(TasksReceivedTotal.WithLabelValues(tt.taskType)); got != float64(tt.calls) {
				t.Errorf("received = %v, want %d", got, tt.calls)
			}
			if got := testutil.ToFloat64(TasksCompletedTotal.WithLabelValues(tt.taskType)); got != float64(tt.calls) {
				t.Errorf("completed = %v, want %d", got, tt.calls)
			}
		})
	}

	if n := testutil.CollectAndCount(TaskDurationSeconds); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestRetriedAndDeadLetteredByReason(t *testing.T) {
	Reset()

	RecordTaskRetried("trigger-ci", "transient")
	RecordTaskRetried("trigger-ci", "transient")
	RecordTaskRetried("trigger-ci", "timeout")
	RecordTaskDeadLettered("merge", "permanent")

	expected := `
		# HELP harborbot_tasks_retried_total Total number of task retries by reason.
		# TYPE harborbot_tasks_retried_total counter
		harborbot_tasks_retried_total{reason="timeout",task_type="trigger-ci"} 1
		harborbot_tasks_retried_total{reason="transient",task_type="trigger-ci"} 2
	`
	if err := testutil.CollectAndCompare(TasksRetriedTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("retried counter mismatch: %v", err)
	}
	if got := testutil.ToFloat64(TasksDeadLetteredTotal.WithLabelValues("merge", "permanent")); got != 1 {
		t.Errorf("dead lettered = %v, want 1", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	Reset()

	done1 := TaskStarted()
	done2 := TaskStarted()
	if got := testutil.ToFloat64(TasksInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}
	done1()
	done2()
	if got := testutil.ToFloat64(TasksInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestUpdateQueue(t *testing.T) {
	Reset()

	UpdateQueue("tasks", "workers", 12, 3)
	UpdateQueue("tasks", "workers", 4, 1)

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("tasks", "workers")); got != 4 {
		t.Errorf("depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(QueueInFlight.WithLabelValues("tasks", "workers")); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestWebhookOutcomes(t *testing.T) {
	Reset()

	RecordWebhook("pull_request", "accepted")
	RecordWebhook("pull_request", "duplicate")
	RecordWebhook("ping", "ignored")

	if got := testutil.CollectAndCount(WebhooksTotal); got != 3 {
		t.Errorf("webhook series = %d, want 3", got)
	}
}
