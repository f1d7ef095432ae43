package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/scheduler"
	"github.com/pipewise-io/pipewise/internal/testutil"
)

// mockStore returns configurable stale executions and records updates.
type mockStore struct {
	mu        sync.Mutex
	stale     []domain.TriggerExecution
	listErr   error
	updateErr map[uuid.UUID]error // per-execution update failures
	updated   []domain.TriggerExecution
}

func newMockStore() *mockStore {
	return &mockStore{updateErr: make(map[uuid.UUID]error)}
}

func (s *mockStore) ListStaleRunning(_ context.Context, olderThan time.Time, maxResults int) ([]domain.TriggerExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	var result []domain.TriggerExecution
	for _, exec := range s.stale {
		if exec.StartedAt.Before(olderThan) {
			result = append(result, exec)
			if len(result) >= maxResults {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) UpdateExecution(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, errDetail string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateErr[id]; err != nil {
		return err
	}
	s.updated = append(s.updated, domain.TriggerExecution{
		ID:         id,
		Status:     status,
		Error:      errDetail,
		FinishedAt: &finishedAt,
	})
	return nil
}

func (s *mockStore) updates() []domain.TriggerExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TriggerExecution(nil), s.updated...)
}

type mockEmitter struct {
	mu      sync.Mutex
	changes []domain.ExecutionStateChange
}

func (e *mockEmitter) Emit(_ context.Context, change domain.ExecutionStateChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, change)
	return nil
}

func (e *mockEmitter) emitted() []domain.ExecutionStateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ExecutionStateChange(nil), e.changes...)
}

func staleExecution(startedAt time.Time) domain.TriggerExecution {
	return domain.TriggerExecution{
		ID:        uuid.New(),
		TriggerID: uuid.New(),
		JobID:     uuid.New(),
		TenantID:  uuid.New(),
		Status:    domain.ExecutionStatusRunning,
		Attempt:   1,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	}
}

func newTestReaper(cfg Config, store Store, clk *testutil.FakeClock) *Reaper {
	r := New(cfg, store)
	r.clock = clk.Now
	return r
}

func TestReaper_FailsAbandonedExecutions(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	store := newMockStore()
	emitter := &mockEmitter{}

	old := staleExecution(clk.Now().Add(-time.Hour))
	fresh := staleExecution(clk.Now().Add(-time.Minute))
	store.stale = []domain.TriggerExecution{old, fresh}

	r := newTestReaper(Config{Interval: time.Minute, Threshold: 10 * time.Minute, BatchSize: 100}, store, clk).
		WithEmitter(emitter)
	r.runCycle(context.Background())

	updated := store.updates()
	if len(updated) != 1 {
		t.Fatalf("updated %d executions, want 1 (only the old one)", len(updated))
	}
	if updated[0].ID != old.ID {
		t.Errorf("updated execution = %s, want %s", updated[0].ID, old.ID)
	}
	if updated[0].Status != domain.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", updated[0].Status)
	}
	if updated[0].Error == "" {
		t.Error("expected an abandonment detail on the failed execution")
	}

	changes := emitter.emitted()
	if len(changes) != 1 {
		t.Fatalf("emitted %d state changes, want 1", len(changes))
	}
	if changes[0].TenantID != old.TenantID {
		t.Errorf("emitted tenant = %s, want %s", changes[0].TenantID, old.TenantID)
	}
	if changes[0].Execution.Status != domain.ExecutionStatusFailed {
		t.Errorf("emitted status = %s, want failed", changes[0].Execution.Status)
	}
}

func TestReaper_SkipsExecutionsFinishedByWorker(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	store := newMockStore()
	emitter := &mockEmitter{}

	exec := staleExecution(clk.Now().Add(-time.Hour))
	store.stale = []domain.TriggerExecution{exec}
	// Worker wins the race to the terminal write.
	store.updateErr[exec.ID] = scheduler.ErrExecutionFinished

	r := newTestReaper(Config{Interval: time.Minute, Threshold: 10 * time.Minute, BatchSize: 100}, store, clk).
		WithEmitter(emitter)
	r.runCycle(context.Background())

	if got := emitter.emitted(); len(got) != 0 {
		t.Errorf("emitted %d state changes for an already-finished execution, want 0", len(got))
	}
}

func TestReaper_BatchLimit(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	store := newMockStore()

	for i := 0; i < 5; i++ {
		store.stale = append(store.stale, staleExecution(clk.Now().Add(-time.Hour)))
	}

	r := newTestReaper(Config{Interval: time.Minute, Threshold: 10 * time.Minute, BatchSize: 2}, store, clk)
	r.runCycle(context.Background())

	if got := len(store.updates()); got != 2 {
		t.Errorf("updated %d executions, want batch limit of 2", got)
	}
}

func TestReaper_ListErrorAbortsCycle(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	store := newMockStore()
	store.stale = []domain.TriggerExecution{staleExecution(clk.Now().Add(-time.Hour))}
	store.listErr = errors.New("db down")

	r := newTestReaper(DefaultConfig(), store, clk)
	r.runCycle(context.Background())

	if got := len(store.updates()); got != 0 {
		t.Errorf("updated %d executions despite list failure, want 0", got)
	}
}

func TestReaper_UpdateErrorContinuesCycle(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	store := newMockStore()

	broken := staleExecution(clk.Now().Add(-time.Hour))
	healthy := staleExecution(clk.Now().Add(-time.Hour))
	store.stale = []domain.TriggerExecution{broken, healthy}
	store.updateErr[broken.ID] = errors.New("write failed")

	r := newTestReaper(Config{Interval: time.Minute, Threshold: 10 * time.Minute, BatchSize: 100}, store, clk)
	r.runCycle(context.Background())

	updated := store.updates()
	if len(updated) != 1 || updated[0].ID != healthy.ID {
		t.Errorf("expected only the healthy execution to be updated, got %d updates", len(updated))
	}
}
