package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerKind string

const (
	TriggerKindInterval  TriggerKind = "interval"
	TriggerKindCron      TriggerKind = "cron"
	TriggerKindCondition TriggerKind = "condition"
)

// TriggerRule is the condition attached to a Trigger. Exactly one of the
// variant field groups is meaningful, selected by the owning Trigger's Kind:
// cron uses CronExpression/Timezone, interval uses Interval, condition uses
// Metric/Operator/Threshold.
type TriggerRule struct {
	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC

	Interval time.Duration

	Metric    string
	Operator  string // > >= < <= == !=
	Threshold float64
}

// RetryPolicy bounds dispatch retries for a trigger.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Trigger is one schedulable unit. NextRun and Enabled are mutated only by
// the scheduler; everything else is owned by the job configuration.
type Trigger struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	JobID    uuid.UUID

	Kind    TriggerKind
	Rule    TriggerRule
	Enabled bool
	NextRun time.Time
	Retry   RetryPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerJob associates a Trigger with the job it dispatches. One trigger
// maps to exactly one TriggerJob; a job may be the target of many triggers.
type TriggerJob struct {
	TriggerID uuid.UUID
	JobID     uuid.UUID

	Endpoint string // job runner endpoint URL
	Secret   string // HMAC secret for the runner request
	Params   map[string]string
	Timeout  time.Duration
}
