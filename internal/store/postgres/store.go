package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/scheduler"
)

// Store implements the trigger and execution persistence surface on
// PostgreSQL. Every call is bounded by the operation timeout so a stalled
// database cannot wedge the poll loop.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// ListDueTriggers returns enabled triggers with next_run <= now joined with
// their job association, ordered by next_run with trigger id as tie-break.
func (s *Store) ListDueTriggers(ctx context.Context, now time.Time) ([]scheduler.TriggerWithJob, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDueTriggers, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []scheduler.TriggerWithJob
	for rows.Next() {
		twj, err := scanTriggerWithJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, twj)
	}
	return result, rows.Err()
}

// GetTriggerForJob resolves the trigger owning a tenant's job. Used by
// manual job starts coming in over the realtime surface.
func (s *Store) GetTriggerForJob(ctx context.Context, tenantID, jobID uuid.UUID) (scheduler.TriggerWithJob, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetTriggerForJob, tenantID, jobID)
	return scanTriggerWithJob(row)
}

// GetRunningExecution returns the trigger's running execution, or nil when
// none is in flight.
func (s *Store) GetRunningExecution(ctx context.Context, triggerID uuid.UUID) (*domain.TriggerExecution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	exec, err := scanExecution(s.db.QueryRowContext(ctx, queryGetRunningExecution, triggerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// CreateExecution inserts an execution row. The insert doubles as the
// overlap gate: it returns scheduler.ErrExecutionOverlap when the trigger
// already has a running execution.
func (s *Store) CreateExecution(ctx context.Context, exec domain.TriggerExecution) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.TriggerID,
		exec.JobID,
		exec.TenantID,
		string(exec.Status),
		exec.Attempt,
		exec.Error,
		exec.StartedAt,
		exec.FinishedAt,
		exec.CreatedAt,
	)
	if err != nil {
		// Concurrent inserters can both pass the NOT EXISTS check; the
		// partial unique index settles the race.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return scheduler.ErrExecutionOverlap
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return scheduler.ErrExecutionOverlap
	}
	return nil
}

// UpdateExecution records a status transition. The WHERE guard makes the
// update atomic: a row already in a terminal state is never overwritten and
// yields scheduler.ErrExecutionFinished instead.
func (s *Store) UpdateExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errDetail string, finishedAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var finished any
	if status.IsTerminal() {
		finished = finishedAt
	}

	result, err := s.db.ExecContext(ctx, queryUpdateExecution, string(status), errDetail, finished, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, id).Scan(&current)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return scheduler.ErrExecutionFinished
	}
	return nil
}

func (s *Store) UpdateTriggerNextRun(ctx context.Context, triggerID uuid.UUID, nextRun time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpdateTriggerNextRun, nextRun, triggerID)
	return err
}

// LatestMetricValue returns the most recent observed value for the tenant's
// metric. A metric with no observations is an evaluation error, not zero.
func (s *Store) LatestMetricValue(ctx context.Context, tenantID uuid.UUID, metric string) (float64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var value float64
	err := s.db.QueryRowContext(ctx, queryLatestMetricValue, tenantID, metric).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no observed value for metric %q", metric)
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// RecordMetricValue stores a metric observation, replacing the previous one
// for the same tenant and metric.
func (s *Store) RecordMetricValue(ctx context.Context, tenantID uuid.UUID, metric string, value float64, observedAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertMetricValue, tenantID, metric, value, observedAt)
	return err
}

// ListExecutions returns the trigger's execution history, most recent first.
func (s *Store) ListExecutions(ctx context.Context, triggerID uuid.UUID, limit, offset int) ([]domain.TriggerExecution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListExecutions, triggerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TriggerExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// ListStaleRunning returns executions still marked running whose start
// predates the threshold, oldest first.
func (s *Store) ListStaleRunning(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.TriggerExecution, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStaleRunning, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TriggerExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTriggerWithJob(row rowScanner) (scheduler.TriggerWithJob, error) {
	var twj scheduler.TriggerWithJob
	var kind string
	var intervalMs, backoffBaseMs, backoffMaxMs, timeoutMs int64
	var params []byte

	err := row.Scan(
		&twj.Trigger.ID,
		&twj.Trigger.TenantID,
		&twj.Trigger.JobID,
		&kind,
		&twj.Trigger.Rule.CronExpression,
		&twj.Trigger.Rule.Timezone,
		&intervalMs,
		&twj.Trigger.Rule.Metric,
		&twj.Trigger.Rule.Operator,
		&twj.Trigger.Rule.Threshold,
		&twj.Trigger.Enabled,
		&twj.Trigger.NextRun,
		&twj.Trigger.Retry.MaxAttempts,
		&backoffBaseMs,
		&backoffMaxMs,
		&twj.Trigger.CreatedAt,
		&twj.Trigger.UpdatedAt,
		&twj.Job.Endpoint,
		&twj.Job.Secret,
		&params,
		&timeoutMs,
	)
	if err != nil {
		return scheduler.TriggerWithJob{}, err
	}

	twj.Trigger.Kind = domain.TriggerKind(kind)
	twj.Trigger.Rule.Interval = time.Duration(intervalMs) * time.Millisecond
	twj.Trigger.Retry.BackoffBase = time.Duration(backoffBaseMs) * time.Millisecond
	twj.Trigger.Retry.BackoffMax = time.Duration(backoffMaxMs) * time.Millisecond
	twj.Job.TriggerID = twj.Trigger.ID
	twj.Job.JobID = twj.Trigger.JobID
	twj.Job.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if len(params) > 0 {
		if err := json.Unmarshal(params, &twj.Job.Params); err != nil {
			return scheduler.TriggerWithJob{}, fmt.Errorf("decode params for trigger %s: %w", twj.Trigger.ID, err)
		}
	}
	return twj, nil
}

func scanExecution(row rowScanner) (domain.TriggerExecution, error) {
	var exec domain.TriggerExecution
	var status string
	var finishedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.TriggerID,
		&exec.JobID,
		&exec.TenantID,
		&status,
		&exec.Attempt,
		&exec.Error,
		&exec.StartedAt,
		&finishedAt,
		&exec.CreatedAt,
	)
	if err != nil {
		return domain.TriggerExecution{}, err
	}

	exec.Status = domain.ExecutionStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		exec.FinishedAt = &t
	}
	return exec, nil
}

// Compile-time interface assertion.
var _ scheduler.Store = (*Store)(nil)
