package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollStarted()                                            {}
func (n *NoopSink) PollCompleted(duration time.Duration, due int, err error) {}
func (n *NoopSink) DispatchOutcome(outcome string)                          {}
func (n *NoopSink) DispatchSkippedOverlap()                                 {}
func (n *NoopSink) DispatchBackpressure()                                   {}
func (n *NoopSink) WorkersInFlightIncr()                                    {}
func (n *NoopSink) WorkersInFlightDecr()                                    {}
func (n *NoopSink) RetryAttempt(attempt int)                                {}
func (n *NoopSink) JobRunDuration(seconds float64)                          {}
func (n *NoopSink) ConnectionsIncr()                                        {}
func (n *NoopSink) ConnectionsDecr()                                        {}
func (n *NoopSink) SlowConsumerDropped()                                    {}
func (n *NoopSink) BridgeReconnect()                                        {}
func (n *NoopSink) BridgeMessageDropped()                                   {}
func (n *NoopSink) StaleExecutionsReaped(count int)                         {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                       {}
func (n *NoopSink) LeaderAcquired()                                         {}
func (n *NoopSink) LeaderLost(reason string)                                {}
