// Package reaper fails abandoned executions.
//
// An execution is abandoned when it is still marked running but its worker
// is gone (process crash, abandoned shutdown worker that never wrote its
// terminal state). The reaper periodically scans for running executions
// older than a threshold, marks them failed, and emits the state change so
// clients see the execution finish. The store's terminal-state guard makes
// this safe to race against a live worker: whoever writes the terminal
// state first wins.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/scheduler"
)

// Store is the persistence surface the reaper consumes.
type Store interface {
	ListStaleRunning(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.TriggerExecution, error)
	UpdateExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errDetail string, finishedAt time.Time) error
}

// StateEmitter receives the terminal state changes the reaper produces.
type StateEmitter interface {
	Emit(ctx context.Context, change domain.ExecutionStateChange) error
}

// MetricsSink records reaper metrics.
type MetricsSink interface {
	StaleExecutionsReaped(count int)
}

type Config struct {
	// Interval is how often the reaper scans.
	Interval time.Duration

	// Threshold is the age after which a running execution counts as
	// abandoned. Must comfortably exceed the longest job timeout.
	Threshold time.Duration

	// BatchSize caps how many executions one cycle processes.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reaper struct {
	config  Config
	store   Store
	emitter StateEmitter // optional, nil = disabled
	metrics MetricsSink  // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store) *Reaper {
	return &Reaper{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// WithEmitter attaches a state-change emitter to the reaper.
func (r *Reaper) WithEmitter(emitter StateEmitter) *Reaper {
	r.emitter = emitter
	return r
}

// WithMetrics attaches a metrics sink to the reaper.
func (r *Reaper) WithMetrics(sink MetricsSink) *Reaper {
	r.metrics = sink
	return r
}

// Run starts the reap loop. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reaper: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reaper: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reaper) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stale, err := r.store.ListStaleRunning(ctx, threshold, r.config.BatchSize)
	if err != nil {
		log.Printf("reaper: list stale executions: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	log.Printf("reaper: found %d stale running executions", len(stale))

	reaped := 0
	for _, exec := range stale {
		if ctx.Err() != nil {
			log.Printf("reaper: cycle interrupted, reaped %d/%d", reaped, len(stale))
			return
		}

		detail := fmt.Sprintf("abandoned: no progress since %s", exec.StartedAt.UTC().Format(time.RFC3339))
		err := r.store.UpdateExecution(ctx, exec.ID, domain.ExecutionStatusFailed, detail, now)
		if errors.Is(err, scheduler.ErrExecutionFinished) {
			// A live worker beat us to the terminal write. Nothing to do.
			continue
		}
		if err != nil {
			log.Printf("reaper: fail execution %s: %v", exec.ID, err)
			continue
		}

		reaped++
		log.Printf("reaper: failed abandoned execution=%s trigger=%s (age=%s)",
			exec.ID, exec.TriggerID, now.Sub(exec.StartedAt).Round(time.Second))

		if r.emitter != nil {
			exec.Status = domain.ExecutionStatusFailed
			exec.Error = detail
			finished := now
			exec.FinishedAt = &finished
			change := domain.ExecutionStateChange{TenantID: exec.TenantID, Execution: exec}
			if err := r.emitter.Emit(ctx, change); err != nil {
				log.Printf("reaper: emit state change for execution %s: %v", exec.ID, err)
			}
		}
	}

	if r.metrics != nil && reaped > 0 {
		r.metrics.StaleExecutionsReaped(reaped)
	}
	log.Printf("reaper: cycle complete, reaped=%d", reaped)
}
