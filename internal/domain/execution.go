package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the status cannot change anymore.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed
}

// TriggerExecution records one dispatch attempt. Created by the scheduler at
// dispatch time and mutated only by the scheduler as the runner call
// progresses. For a given trigger at most one execution is running at any
// instant.
type TriggerExecution struct {
	ID        uuid.UUID
	TriggerID uuid.UUID
	JobID     uuid.UUID
	TenantID  uuid.UUID

	Status  ExecutionStatus
	Attempt int
	Error   string

	StartedAt  time.Time
	FinishedAt *time.Time

	CreatedAt time.Time
}
