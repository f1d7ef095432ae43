package metrics

import "time"

// Sink is the process-wide metrics surface. All methods are fire-and-forget:
// implementations MUST NOT block or propagate errors. If the metrics backend
// is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	PollStarted()
	PollCompleted(duration time.Duration, due int, err error)
	DispatchOutcome(outcome string)
	DispatchSkippedOverlap()
	DispatchBackpressure()
	WorkersInFlightIncr()
	WorkersInFlightDecr()
	RetryAttempt(attempt int)
	JobRunDuration(seconds float64)

	// Hub metrics
	ConnectionsIncr()
	ConnectionsDecr()
	SlowConsumerDropped()

	// Bridge metrics
	BridgeReconnect()
	BridgeMessageDropped()

	// Reaper metrics
	StaleExecutionsReaped(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
