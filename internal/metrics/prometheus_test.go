package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}

	// Double registration must not panic either; failures are logged.
	NewPrometheusSink(reg)
}

func TestPrometheusSink_PollMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PollStarted()
	sink.PollStarted()
	sink.PollCompleted(50*time.Millisecond, 3, nil)
	sink.PollCompleted(50*time.Millisecond, 0, errors.New("db down"))

	if got := getCounterValue(t, reg, "pipewise_scheduler_polls_total"); got != 2 {
		t.Errorf("polls_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "pipewise_scheduler_poll_errors_total"); got != 1 {
		t.Errorf("poll_errors_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_scheduler_triggers_due_total"); got != 3 {
		t.Errorf("triggers_due_total = %v, want 3", got)
	}
}

func TestPrometheusSink_DispatchMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchOutcome("success")
	sink.DispatchOutcome("success")
	sink.DispatchOutcome("failed")
	sink.DispatchSkippedOverlap()
	sink.DispatchBackpressure()
	sink.RetryAttempt(2)

	if got := getCounterVecValue(t, reg, "pipewise_scheduler_dispatch_outcomes_total", map[string]string{"outcome": "success"}); got != 2 {
		t.Errorf("dispatch_outcomes_total{success} = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "pipewise_scheduler_dispatch_outcomes_total", map[string]string{"outcome": "failed"}); got != 1 {
		t.Errorf("dispatch_outcomes_total{failed} = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_scheduler_overlap_skips_total"); got != 1 {
		t.Errorf("overlap_skips_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_scheduler_backpressure_total"); got != 1 {
		t.Errorf("backpressure_total = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "pipewise_scheduler_retry_attempts_total", map[string]string{"attempt": "2"}); got != 1 {
		t.Errorf("retry_attempts_total{2} = %v, want 1", got)
	}
}

func TestPrometheusSink_WorkersGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.WorkersInFlightIncr()
	sink.WorkersInFlightIncr()
	sink.WorkersInFlightDecr()

	if got := getGaugeValue(t, reg, "pipewise_scheduler_workers_in_flight"); got != 1 {
		t.Errorf("workers_in_flight = %v, want 1", got)
	}
}

func TestPrometheusSink_HubMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ConnectionsIncr()
	sink.ConnectionsIncr()
	sink.ConnectionsDecr()
	sink.SlowConsumerDropped()

	if got := getGaugeValue(t, reg, "pipewise_hub_connections"); got != 1 {
		t.Errorf("hub_connections = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_hub_slow_consumer_drops_total"); got != 1 {
		t.Errorf("slow_consumer_drops_total = %v, want 1", got)
	}
}

func TestPrometheusSink_BridgeAndReaperMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BridgeReconnect()
	sink.BridgeMessageDropped()
	sink.StaleExecutionsReaped(3)

	if got := getCounterValue(t, reg, "pipewise_bridge_reconnects_total"); got != 1 {
		t.Errorf("bridge_reconnects_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_bridge_messages_dropped_total"); got != 1 {
		t.Errorf("bridge_messages_dropped_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "pipewise_reaper_executions_reaped_total"); got != 3 {
		t.Errorf("reaper_executions_reaped_total = %v, want 3", got)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if got := getGaugeValue(t, reg, "pipewise_leader_status"); got != 1 {
		t.Errorf("leader_status = %v, want 1", got)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if got := getGaugeValue(t, reg, "pipewise_leader_status"); got != 0 {
		t.Errorf("leader_status = %v, want 0", got)
	}
	if got := getCounterVecValue(t, reg, "pipewise_leader_lost_total", map[string]string{"reason": "conn_lost"}); got != 1 {
		t.Errorf("leader_lost_total{conn_lost} = %v, want 1", got)
	}
}

func TestNoopSink_ImplementsSink(t *testing.T) {
	var sink Sink = NewNoopSink()

	// Exercise a few methods; nothing should panic.
	sink.PollStarted()
	sink.PollCompleted(time.Second, 1, nil)
	sink.ConnectionsIncr()
	sink.BridgeReconnect()
	sink.LeaderLost("shutdown")
}
