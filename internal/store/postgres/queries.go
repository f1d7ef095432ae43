package postgres

const queryListDueTriggers = `
SELECT
    t.id, t.tenant_id, t.job_id, t.kind,
    t.cron_expression, t.timezone, t.interval_ms,
    t.metric, t.operator, t.threshold,
    t.enabled, t.next_run,
    t.retry_max_attempts, t.retry_backoff_base_ms, t.retry_backoff_max_ms,
    t.created_at, t.updated_at,
    tj.endpoint, tj.secret, tj.params, tj.timeout_ms
FROM triggers t
JOIN trigger_jobs tj ON tj.trigger_id = t.id
WHERE t.enabled = true
  AND t.next_run <= $1
ORDER BY t.next_run ASC, t.id ASC
`

const queryGetTriggerForJob = `
SELECT
    t.id, t.tenant_id, t.job_id, t.kind,
    t.cron_expression, t.timezone, t.interval_ms,
    t.metric, t.operator, t.threshold,
    t.enabled, t.next_run,
    t.retry_max_attempts, t.retry_backoff_base_ms, t.retry_backoff_max_ms,
    t.created_at, t.updated_at,
    tj.endpoint, tj.secret, tj.params, tj.timeout_ms
FROM triggers t
JOIN trigger_jobs tj ON tj.trigger_id = t.id
WHERE t.tenant_id = $1
  AND t.job_id = $2
LIMIT 1
`

const queryGetRunningExecution = `
SELECT id, trigger_id, job_id, tenant_id, status, attempt, error, started_at, finished_at, created_at
FROM trigger_executions
WHERE trigger_id = $1
  AND status = 'running'
ORDER BY started_at DESC
LIMIT 1
`

// The NOT EXISTS guard makes the insert the overlap gate: a trigger with a
// running execution rejects new ones in the same statement. The partial
// unique index uq_trigger_executions_running (trigger_id) WHERE status =
// 'running' backs it against concurrent inserters.
const queryInsertExecution = `
INSERT INTO trigger_executions (id, trigger_id, job_id, tenant_id, status, attempt, error, started_at, finished_at, created_at)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
WHERE NOT EXISTS (
    SELECT 1 FROM trigger_executions
    WHERE trigger_id = $2
      AND status = 'running'
)
`

const queryUpdateExecution = `
UPDATE trigger_executions
SET status = $1, error = $2, finished_at = $3
WHERE id = $4
  AND status NOT IN ('succeeded', 'failed')
`

const queryGetExecutionStatus = `
SELECT status FROM trigger_executions WHERE id = $1
`

const queryUpdateTriggerNextRun = `
UPDATE triggers
SET next_run = $1, updated_at = NOW()
WHERE id = $2
`

const queryLatestMetricValue = `
SELECT value
FROM metric_state
WHERE tenant_id = $1
  AND metric = $2
ORDER BY observed_at DESC
LIMIT 1
`

const queryUpsertMetricValue = `
INSERT INTO metric_state (tenant_id, metric, value, observed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, metric)
DO UPDATE SET value = EXCLUDED.value, observed_at = EXCLUDED.observed_at
`

const queryListExecutions = `
SELECT id, trigger_id, job_id, tenant_id, status, attempt, error, started_at, finished_at, created_at
FROM trigger_executions
WHERE trigger_id = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3
`

const queryListStaleRunning = `
SELECT id, trigger_id, job_id, tenant_id, status, attempt, error, started_at, finished_at, created_at
FROM trigger_executions
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`
