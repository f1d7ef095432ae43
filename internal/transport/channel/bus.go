// Package channel carries execution state changes from the scheduler to the
// realtime distribution side over an in-process buffered channel.
package channel

import (
	"context"

	"github.com/pipewise-io/pipewise/internal/domain"
)

// StateBus decouples producers of execution state changes from the consumer
// that renders and distributes them. Emit blocks while the buffer is full so
// state changes are never silently lost inside the process.
type StateBus struct {
	ch chan domain.ExecutionStateChange
}

func NewStateBus(buffer int) *StateBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &StateBus{ch: make(chan domain.ExecutionStateChange, buffer)}
}

// Emit enqueues a state change, waiting for buffer space until ctx is done.
func (b *StateBus) Emit(ctx context.Context, change domain.ExecutionStateChange) error {
	select {
	case b.ch <- change:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel exposes the consumer side of the bus.
func (b *StateBus) Channel() <-chan domain.ExecutionStateChange {
	return b.ch
}
