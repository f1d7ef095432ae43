package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	pollsTotal             prometheus.Counter
	pollErrorsTotal        prometheus.Counter
	triggersDueTotal       prometheus.Counter
	pollDuration           prometheus.Histogram
	dispatchOutcomesTotal  *prometheus.CounterVec
	overlapSkipsTotal      prometheus.Counter
	backpressureTotal      prometheus.Counter
	workersInFlight        prometheus.Gauge
	retryAttemptsTotal     *prometheus.CounterVec
	jobRunDuration         prometheus.Histogram

	// Hub metrics
	connections            prometheus.Gauge
	slowConsumerDropsTotal prometheus.Counter

	// Bridge metrics
	bridgeReconnectsTotal  prometheus.Counter
	bridgeDroppedTotal     prometheus.Counter

	// Reaper metrics
	reapedTotal prometheus.Counter

	// Leader election metrics
	leaderStatus       prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink registered against
// reg. Collectors that fail to register still work locally.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initHubMetrics(reg)
	s.initBridgeMetrics(reg)
	s.initReaperMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.pollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_scheduler_polls_total",
		Help: "Total number of trigger poll cycles.",
	})
	s.pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_scheduler_poll_errors_total",
		Help: "Total number of poll cycles that failed to list due triggers.",
	})
	s.triggersDueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_scheduler_triggers_due_total",
		Help: "Total number of due triggers returned across poll cycles.",
	})
	s.pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipewise_scheduler_poll_duration_seconds",
		Help:    "Duration of each poll cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.dispatchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipewise_scheduler_dispatch_outcomes_total",
		Help: "Total number of execution attempt outcomes.",
	}, []string{"outcome"})
	s.overlapSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_scheduler_overlap_skips_total",
		Help: "Total occurrences skipped because an execution was still running.",
	})
	s.backpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_scheduler_backpressure_total",
		Help: "Total dispatches deferred because the worker budget was exhausted.",
	})
	s.workersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipewise_scheduler_workers_in_flight",
		Help: "Number of workers currently running job executions.",
	})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipewise_scheduler_retry_attempts_total",
		Help: "Total retry attempts (excludes first attempt).",
	}, []string{"attempt"})
	s.jobRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipewise_scheduler_job_run_duration_seconds",
		Help:    "Job runner call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.pollsTotal, "pipewise_scheduler_polls_total")
	s.register(reg, s.pollErrorsTotal, "pipewise_scheduler_poll_errors_total")
	s.register(reg, s.triggersDueTotal, "pipewise_scheduler_triggers_due_total")
	s.register(reg, s.pollDuration, "pipewise_scheduler_poll_duration_seconds")
	s.register(reg, s.dispatchOutcomesTotal, "pipewise_scheduler_dispatch_outcomes_total")
	s.register(reg, s.overlapSkipsTotal, "pipewise_scheduler_overlap_skips_total")
	s.register(reg, s.backpressureTotal, "pipewise_scheduler_backpressure_total")
	s.register(reg, s.workersInFlight, "pipewise_scheduler_workers_in_flight")
	s.register(reg, s.retryAttemptsTotal, "pipewise_scheduler_retry_attempts_total")
	s.register(reg, s.jobRunDuration, "pipewise_scheduler_job_run_duration_seconds")
}

func (s *PrometheusSink) initHubMetrics(reg prometheus.Registerer) {
	s.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipewise_hub_connections",
		Help: "Number of websocket connections currently registered.",
	})
	s.slowConsumerDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_hub_slow_consumer_drops_total",
		Help: "Total connections dropped for not draining their event buffer.",
	})

	s.register(reg, s.connections, "pipewise_hub_connections")
	s.register(reg, s.slowConsumerDropsTotal, "pipewise_hub_slow_consumer_drops_total")
}

func (s *PrometheusSink) initBridgeMetrics(reg prometheus.Registerer) {
	s.bridgeReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_bridge_reconnects_total",
		Help: "Total broker subscription reconnect attempts.",
	})
	s.bridgeDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_bridge_messages_dropped_total",
		Help: "Total broker messages dropped because they could not be decoded.",
	})

	s.register(reg, s.bridgeReconnectsTotal, "pipewise_bridge_reconnects_total")
	s.register(reg, s.bridgeDroppedTotal, "pipewise_bridge_messages_dropped_total")
}

func (s *PrometheusSink) initReaperMetrics(reg prometheus.Registerer) {
	s.reapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_reaper_executions_reaped_total",
		Help: "Total abandoned executions marked failed by the reaper.",
	})

	s.register(reg, s.reapedTotal, "pipewise_reaper_executions_reaped_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipewise_leader_status",
		Help: "1 when this instance holds the scheduling lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipewise_leader_acquired_total",
		Help: "Total times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipewise_leader_lost_total",
		Help: "Total times this instance lost leadership.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "pipewise_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "pipewise_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "pipewise_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) PollStarted() {
	s.pollsTotal.Inc()
}

func (s *PrometheusSink) PollCompleted(duration time.Duration, due int, err error) {
	s.pollDuration.Observe(duration.Seconds())
	s.triggersDueTotal.Add(float64(due))
	if err != nil {
		s.pollErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) DispatchOutcome(outcome string) {
	s.dispatchOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) DispatchSkippedOverlap() {
	s.overlapSkipsTotal.Inc()
}

func (s *PrometheusSink) DispatchBackpressure() {
	s.backpressureTotal.Inc()
}

func (s *PrometheusSink) WorkersInFlightIncr() {
	s.workersInFlight.Inc()
}

func (s *PrometheusSink) WorkersInFlightDecr() {
	s.workersInFlight.Dec()
}

func (s *PrometheusSink) RetryAttempt(attempt int) {
	s.retryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (s *PrometheusSink) JobRunDuration(seconds float64) {
	s.jobRunDuration.Observe(seconds)
}

// Hub metrics implementation

func (s *PrometheusSink) ConnectionsIncr() {
	s.connections.Inc()
}

func (s *PrometheusSink) ConnectionsDecr() {
	s.connections.Dec()
}

func (s *PrometheusSink) SlowConsumerDropped() {
	s.slowConsumerDropsTotal.Inc()
}

// Bridge metrics implementation

func (s *PrometheusSink) BridgeReconnect() {
	s.bridgeReconnectsTotal.Inc()
}

func (s *PrometheusSink) BridgeMessageDropped() {
	s.bridgeDroppedTotal.Inc()
}

// Reaper metrics implementation

func (s *PrometheusSink) StaleExecutionsReaped(count int) {
	s.reapedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

// Compile-time interface assertions
var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)
)
