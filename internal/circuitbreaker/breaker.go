// Package circuitbreaker guards job runner endpoints: after enough
// consecutive failures an endpoint's circuit opens and dispatches to it fail
// fast until a cooldown elapses.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker tracks one circuit per runner endpoint.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a dispatch to the endpoint may proceed. After the
// cooldown, one probe call is let through (half-open); its outcome decides
// whether the circuit closes again.
func (b *Breaker) Allow(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= b.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		s = &endpointState{}
		b.endpoints[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= b.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
