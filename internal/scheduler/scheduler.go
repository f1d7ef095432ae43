// Package scheduler owns the trigger poll loop: it reads due triggers from
// the execution store, evaluates their rules, and dispatches job executions
// to the runner under a fixed worker budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/schedule"
)

// TriggerWithJob pairs a due trigger with the job association it dispatches.
type TriggerWithJob struct {
	Trigger domain.Trigger
	Job     domain.TriggerJob
}

// Store is the execution store surface the scheduler consumes.
type Store interface {
	// ListDueTriggers returns enabled triggers with next_run <= now,
	// ordered by next_run ascending, trigger id as tie-break.
	ListDueTriggers(ctx context.Context, now time.Time) ([]TriggerWithJob, error)
	GetRunningExecution(ctx context.Context, triggerID uuid.UUID) (*domain.TriggerExecution, error)

	// CreateExecution inserts the execution row and is the atomic overlap
	// gate: it must return ErrExecutionOverlap when the trigger already has
	// a running execution, so concurrent dispatchers cannot both win.
	CreateExecution(ctx context.Context, exec domain.TriggerExecution) error
	UpdateExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errDetail string, finishedAt time.Time) error
	UpdateTriggerNextRun(ctx context.Context, triggerID uuid.UUID, nextRun time.Time) error
	LatestMetricValue(ctx context.Context, tenantID uuid.UUID, metric string) (float64, error)
}

// JobRunner performs one job run. It must honor ctx cancellation; the
// scheduler bounds every call with the job's timeout so a stuck runner
// cannot occupy a worker slot forever.
type JobRunner interface {
	RunJob(ctx context.Context, job domain.TriggerJob) error
}

// RuleEvaluator computes next-run times and tests condition rules.
type RuleEvaluator interface {
	NextRun(kind domain.TriggerKind, rule domain.TriggerRule, now time.Time) (time.Time, error)
	EvalCondition(rule domain.TriggerRule, value float64) (bool, error)
}

// StateEmitter receives execution state changes. Emission failures are
// logged, never propagated into dispatch control flow.
type StateEmitter interface {
	Emit(ctx context.Context, change domain.ExecutionStateChange) error
}

// MetricsSink records scheduler metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	PollStarted()
	PollCompleted(duration time.Duration, due int, err error)
	DispatchOutcome(outcome string)
	DispatchSkippedOverlap()
	DispatchBackpressure()
	WorkersInFlightIncr()
	WorkersInFlightDecr()
	RetryAttempt(attempt int)
	JobRunDuration(seconds float64)
}

// Outcome labels for MetricsSink.DispatchOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

var (
	// ErrAlreadyRunning is returned by RunNow while an execution for the
	// trigger is still in flight.
	ErrAlreadyRunning = errors.New("an execution for this trigger is already running")

	// ErrBusy is returned by RunNow when the worker budget is exhausted.
	ErrBusy = errors.New("worker budget exhausted")

	// ErrNotStarted is returned by RunNow before Start.
	ErrNotStarted = errors.New("scheduler is not started")

	// ErrExecutionFinished is returned by Store.UpdateExecution when the
	// execution already reached a terminal state.
	ErrExecutionFinished = errors.New("execution already in a terminal state")

	// ErrExecutionOverlap is returned by Store.CreateExecution when the
	// trigger already has a running execution.
	ErrExecutionOverlap = errors.New("another execution for this trigger is running")
)

type Config struct {
	PollInterval time.Duration

	// WorkerBudget is the maximum number of concurrently running executions.
	WorkerBudget int64

	// JobTimeout bounds a single runner call when the trigger's job does not
	// carry its own timeout.
	JobTimeout time.Duration

	// StopGrace is how long Stop waits for in-flight workers before
	// abandoning them.
	StopGrace time.Duration
}

type Scheduler struct {
	cfg     Config
	store   Store
	runner  JobRunner
	rules   RuleEvaluator
	emitter StateEmitter // optional, nil = disabled
	metrics MetricsSink  // optional, nil = disabled
	clock   func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc // executionID -> cancel for in-flight runner call

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	pollCancel    context.CancelFunc
	workersCtx    context.Context
	workersCancel context.CancelFunc
	loopDone      chan struct{}
}

func New(cfg Config, store Store, runner JobRunner, rules RuleEvaluator) *Scheduler {
	if cfg.WorkerBudget <= 0 {
		cfg.WorkerBudget = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		rules:   rules,
		clock:   time.Now,
		sem:     semaphore.NewWeighted(cfg.WorkerBudget),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// WithEmitter attaches a state-change emitter to the scheduler.
func (s *Scheduler) WithEmitter(emitter StateEmitter) *Scheduler {
	s.emitter = emitter
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Start begins the poll loop. Idempotent: a second call is a no-op and never
// creates a second loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		pollCtx, pollCancel := context.WithCancel(context.Background())
		workersCtx, workersCancel := context.WithCancel(context.Background())
		s.pollCancel = pollCancel
		s.workersCtx = workersCtx
		s.workersCancel = workersCancel
		s.loopDone = make(chan struct{})
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()

		go func() {
			defer close(s.loopDone)
			s.run(pollCtx, workersCtx)
		}()
	})
}

// Stop cancels the poll loop, waits for in-flight workers up to the grace
// timeout, then abandons them. Abandoned workers still write their terminal
// execution state best-effort. No new dispatches occur after Stop returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			return
		}

		s.pollCancel()
		<-s.loopDone

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.cfg.StopGrace):
			log.Printf("scheduler: grace timeout %s elapsed, abandoning in-flight workers", s.cfg.StopGrace)
		}
		s.workersCancel()
	})
}

// CancelExecution cancels the runner call for a running execution.
// Best-effort: returns false when the execution is not in flight here.
// The worker still records the terminal state.
func (s *Scheduler) CancelExecution(executionID uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.running[executionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunNow dispatches one immediate occurrence for the trigger, subject to the
// same overlap guard and worker budget as scheduled dispatches. The trigger's
// own schedule is untouched.
func (s *Scheduler) RunNow(ctx context.Context, twj TriggerWithJob) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started || s.workersCtx.Err() != nil {
		return ErrNotStarted
	}

	running, err := s.store.GetRunningExecution(ctx, twj.Trigger.ID)
	if err != nil {
		return fmt.Errorf("get running execution: %w", err)
	}
	if running != nil {
		return ErrAlreadyRunning
	}

	if !s.sem.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.DispatchBackpressure()
		}
		return ErrBusy
	}

	s.wg.Add(1)
	go s.runWorker(s.workersCtx, twj)
	return nil
}

func (s *Scheduler) run(pollCtx, workersCtx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started (poll=%s, budget=%d)", s.cfg.PollInterval, s.cfg.WorkerBudget)

	// First cycle immediately, then on the ticker. The loop is single-flow:
	// a cycle always completes before the next one starts.
	s.pollCycle(pollCtx, workersCtx)

	for {
		select {
		case <-pollCtx.Done():
			log.Println("scheduler: poll loop stopped")
			return
		case <-ticker.C:
			s.pollCycle(pollCtx, workersCtx)
		}
	}
}

// pollCycle fetches the due set and dispatches it. "now" is sampled once so
// every due-time comparison within the cycle agrees.
func (s *Scheduler) pollCycle(ctx, workersCtx context.Context) {
	if s.metrics != nil {
		s.metrics.PollStarted()
	}

	start := time.Now()
	now := s.clock().UTC()

	due, err := s.store.ListDueTriggers(ctx, now)
	if err != nil {
		log.Printf("scheduler: list due triggers: %v", err)
		if s.metrics != nil {
			s.metrics.PollCompleted(time.Since(start), 0, err)
		}
		return
	}

	for _, twj := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.processDue(ctx, workersCtx, twj, now); err != nil {
			log.Printf("scheduler: trigger %s: %v", twj.Trigger.ID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.PollCompleted(time.Since(start), len(due), nil)
	}
}

func (s *Scheduler) processDue(ctx, workersCtx context.Context, twj TriggerWithJob, now time.Time) error {
	trig := twj.Trigger

	if trig.Kind == domain.TriggerKindCondition {
		fired, err := s.checkCondition(ctx, trig)
		if err != nil {
			// Evaluation error: re-queue the check, no execution record,
			// trigger stays enabled for future cycles.
			s.requeue(ctx, trig, now)
			return err
		}
		if !fired {
			// No-op check: no execution record is produced.
			return s.requeue(ctx, trig, now)
		}
	}

	// A slow job never accumulates overlapping runs: if an execution is
	// still running, skip this occurrence entirely.
	running, err := s.store.GetRunningExecution(ctx, trig.ID)
	if err != nil {
		return fmt.Errorf("get running execution: %w", err)
	}
	if running != nil {
		log.Printf("scheduler: trigger %s still running (execution=%s), skipping occurrence", trig.ID, running.ID)
		if s.metrics != nil {
			s.metrics.DispatchSkippedOverlap()
		}
		return s.requeue(ctx, trig, now)
	}

	// Backpressure, not failure: with no free slot the trigger keeps its
	// next_run and re-qualifies on the next cycle.
	if !s.sem.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.DispatchBackpressure()
		}
		log.Printf("scheduler: worker budget exhausted, deferring trigger %s", trig.ID)
		return nil
	}

	next, err := s.rules.NextRun(trig.Kind, trig.Rule, now)
	if err != nil {
		s.sem.Release(1)
		return fmt.Errorf("compute next run: %w", err)
	}

	// Persist the advanced next_run before dispatch so a restarted poll loop
	// cannot double-dispatch the same occurrence.
	if err := s.store.UpdateTriggerNextRun(ctx, trig.ID, next); err != nil {
		s.sem.Release(1)
		return fmt.Errorf("update next run: %w", err)
	}

	s.wg.Add(1)
	go s.runWorker(workersCtx, twj)
	return nil
}

// checkCondition evaluates a condition-kind rule against the latest observed
// metric state.
func (s *Scheduler) checkCondition(ctx context.Context, trig domain.Trigger) (bool, error) {
	value, err := s.store.LatestMetricValue(ctx, trig.TenantID, trig.Rule.Metric)
	if err != nil {
		return false, fmt.Errorf("metric %q: %w", trig.Rule.Metric, err)
	}
	fired, err := s.rules.EvalCondition(trig.Rule, value)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	return fired, nil
}

// requeue advances the trigger's next_run without dispatching.
func (s *Scheduler) requeue(ctx context.Context, trig domain.Trigger, now time.Time) error {
	next, err := s.rules.NextRun(trig.Kind, trig.Rule, now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	if err := s.store.UpdateTriggerNextRun(ctx, trig.ID, next); err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	return nil
}

// runWorker runs the dispatch attempts for one due occurrence. Failures are
// isolated here: nothing a worker does can crash the poll loop.
func (s *Scheduler) runWorker(ctx context.Context, twj TriggerWithJob) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	if s.metrics != nil {
		s.metrics.WorkersInFlightIncr()
		defer s.metrics.WorkersInFlightDecr()
	}

	trig := twj.Trigger
	maxAttempts := trig.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if s.metrics != nil {
				s.metrics.RetryAttempt(attempt)
			}
			delay := schedule.NextAttemptDelay(trig.Retry, attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}

		err := s.runAttempt(ctx, twj, attempt)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrExecutionOverlap) {
			// While this worker waited out a backoff the trigger had no
			// running execution, so another dispatcher won the insert gate.
			// That occurrence is now theirs; retrying here would run two
			// executions for the same trigger at once.
			log.Printf("scheduler: trigger %s attempt=%d yielded to a concurrent execution", trig.ID, attempt)
			return
		}
		log.Printf("scheduler: trigger %s attempt=%d failed: %v", trig.ID, attempt, err)
	}

	// Attempts exhausted. The trigger stays enabled; its next occurrence
	// follows the underlying schedule rather than retrying indefinitely.
	log.Printf("scheduler: trigger %s exhausted %d attempts", trig.ID, maxAttempts)
}

func (s *Scheduler) runAttempt(ctx context.Context, twj TriggerWithJob, attempt int) error {
	trig := twj.Trigger
	now := s.clock().UTC()

	exec := domain.TriggerExecution{
		ID:        uuid.New(),
		TriggerID: trig.ID,
		JobID:     twj.Job.JobID,
		TenantID:  trig.TenantID,
		Status:    domain.ExecutionStatusRunning,
		Attempt:   attempt,
		StartedAt: now,
		CreatedAt: now,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	s.emitChange(ctx, trig.TenantID, exec)

	timeout := twj.Job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	s.trackRunning(exec.ID, cancel)

	start := time.Now()
	err := s.runner.RunJob(runCtx, twj.Job)
	s.untrackRunning(exec.ID)
	cancel()

	if s.metrics != nil {
		s.metrics.JobRunDuration(time.Since(start).Seconds())
	}

	finished := s.clock().UTC()
	if err != nil {
		s.finishExecution(trig.TenantID, exec, domain.ExecutionStatusFailed, err.Error(), finished)
		if s.metrics != nil {
			s.metrics.DispatchOutcome(OutcomeFailed)
		}
		return err
	}

	s.finishExecution(trig.TenantID, exec, domain.ExecutionStatusSucceeded, "", finished)
	if s.metrics != nil {
		s.metrics.DispatchOutcome(OutcomeSuccess)
	}
	return nil
}

// finishExecution records the terminal state. It uses its own short-lived
// context so abandoned workers can still complete the write after Stop.
func (s *Scheduler) finishExecution(tenantID uuid.UUID, exec domain.TriggerExecution, status domain.ExecutionStatus, detail string, finishedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateExecution(ctx, exec.ID, status, detail, finishedAt); err != nil {
		log.Printf("scheduler: update execution %s: %v", exec.ID, err)
	}

	exec.Status = status
	exec.Error = detail
	exec.FinishedAt = &finishedAt
	s.emitChange(ctx, tenantID, exec)
}

func (s *Scheduler) emitChange(ctx context.Context, tenantID uuid.UUID, exec domain.TriggerExecution) {
	if s.emitter == nil {
		return
	}
	change := domain.ExecutionStateChange{TenantID: tenantID, Execution: exec}
	if err := s.emitter.Emit(ctx, change); err != nil {
		log.Printf("scheduler: emit state change for execution %s: %v", exec.ID, err)
	}
}

func (s *Scheduler) trackRunning(executionID uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[executionID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrackRunning(executionID uuid.UUID) {
	s.mu.Lock()
	delete(s.running, executionID)
	s.mu.Unlock()
}
