package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionSucceeded EventType = "execution.succeeded"
	EventExecutionFailed    EventType = "execution.failed"

	// EventError is a private reply to the client whose command failed. It is
	// never broadcast.
	EventError EventType = "error"

	// EventAck is a private reply confirming a client command was accepted.
	EventAck EventType = "ack"
)

// Event is the outbound message shape delivered to realtime clients. The
// broker carries the same shape, so the bridge decodes transport only.
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"jobId"`
	ExecutionID string    `json:"executionId,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionStateChange is emitted in-process by the scheduler and reaper
// whenever an execution transitions state. The processor renders it into an
// Event for broadcast.
type ExecutionStateChange struct {
	TenantID  uuid.UUID
	Execution TriggerExecution
}
