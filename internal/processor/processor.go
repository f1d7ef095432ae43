// Package processor is the message-handling core of the realtime side: it
// parses and executes client commands, and renders execution state changes
// into the events clients receive.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pipewise-io/pipewise/internal/bridge"
	"github.com/pipewise-io/pipewise/internal/domain"
)

// Client command vocabulary.
const (
	CmdStartJob        = "start_job"
	CmdCancelExecution = "cancel_execution"
	CmdSubscribeJob    = "subscribe_job"
)

// Command is the envelope clients send over the realtime connection.
type Command struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jobPayload struct {
	JobID string `json:"jobId"`
}

type executionPayload struct {
	ExecutionID string `json:"executionId"`
}

// Dispatcher executes commands against the scheduling side.
type Dispatcher interface {
	// StartJob dispatches an immediate run of the tenant's job.
	StartJob(ctx context.Context, tenant string, jobID uuid.UUID) error

	// CancelExecution cancels a running execution. Best-effort: false means
	// the execution was not in flight on this instance.
	CancelExecution(executionID uuid.UUID) bool
}

// Session is one client's connection as the processor sees it. Reply sends a
// private message to this client only; errors never reach other clients.
type Session interface {
	Tenant() string
	SubscribeJob(jobID string)
	Reply(event domain.Event)
}

// Publisher sends rendered events to the broker for distribution to every
// instance. Satisfied by bridge.RedisPubSub.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// OutcomeRecorder counts terminal execution outcomes per tenant and job.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, tenant, jobID, outcome string)
}

type Processor struct {
	dispatcher Dispatcher
	publisher  Publisher
	analytics  OutcomeRecorder // optional, nil = disabled
	clock      func() time.Time
}

func New(dispatcher Dispatcher, publisher Publisher) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		publisher:  publisher,
		clock:      time.Now,
	}
}

// WithAnalytics attaches an outcome recorder to the processor.
func (p *Processor) WithAnalytics(recorder OutcomeRecorder) *Processor {
	p.analytics = recorder
	return p
}

// HandleCommand parses and executes one raw client message. Malformed or
// failing commands produce an error reply to the sender; nothing else.
func (p *Processor) HandleCommand(ctx context.Context, sess Session, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		p.replyError(sess, "malformed command envelope")
		return
	}

	switch cmd.Command {
	case CmdStartJob:
		p.handleStartJob(ctx, sess, cmd.Payload)
	case CmdCancelExecution:
		p.handleCancelExecution(sess, cmd.Payload)
	case CmdSubscribeJob:
		p.handleSubscribeJob(sess, cmd.Payload)
	default:
		p.replyError(sess, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

func (p *Processor) handleStartJob(ctx context.Context, sess Session, payload json.RawMessage) {
	var body jobPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.JobID == "" {
		p.replyError(sess, "start_job requires a jobId")
		return
	}
	jobID, err := uuid.Parse(body.JobID)
	if err != nil {
		p.replyError(sess, "start_job: invalid jobId")
		return
	}

	if err := p.dispatcher.StartJob(ctx, sess.Tenant(), jobID); err != nil {
		p.replyError(sess, fmt.Sprintf("start_job: %v", err))
		return
	}
	sess.Reply(domain.Event{
		Type:      domain.EventAck,
		JobID:     body.JobID,
		Message:   "job dispatched",
		Timestamp: p.clock().UTC(),
	})
}

func (p *Processor) handleCancelExecution(sess Session, payload json.RawMessage) {
	var body executionPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ExecutionID == "" {
		p.replyError(sess, "cancel_execution requires an executionId")
		return
	}
	execID, err := uuid.Parse(body.ExecutionID)
	if err != nil {
		p.replyError(sess, "cancel_execution: invalid executionId")
		return
	}

	if !p.dispatcher.CancelExecution(execID) {
		p.replyError(sess, "cancel_execution: execution is not running")
		return
	}
	sess.Reply(domain.Event{
		Type:        domain.EventAck,
		ExecutionID: body.ExecutionID,
		Message:     "cancellation requested",
		Timestamp:   p.clock().UTC(),
	})
}

func (p *Processor) handleSubscribeJob(sess Session, payload json.RawMessage) {
	var body jobPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.JobID == "" {
		p.replyError(sess, "subscribe_job requires a jobId")
		return
	}
	if _, err := uuid.Parse(body.JobID); err != nil {
		p.replyError(sess, "subscribe_job: invalid jobId")
		return
	}

	sess.SubscribeJob(body.JobID)
	sess.Reply(domain.Event{
		Type:      domain.EventAck,
		JobID:     body.JobID,
		Message:   "subscribed",
		Timestamp: p.clock().UTC(),
	})
}

func (p *Processor) replyError(sess Session, msg string) {
	sess.Reply(domain.Event{
		Type:      domain.EventError,
		Message:   msg,
		Timestamp: p.clock().UTC(),
	})
}

// Run consumes execution state changes, renders them, and publishes the
// results to each tenant's broker topic until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, changes <-chan domain.ExecutionStateChange) {
	log.Println("processor: started")
	for {
		select {
		case <-ctx.Done():
			log.Println("processor: stopped")
			return
		case change, ok := <-changes:
			if !ok {
				log.Println("processor: state bus closed")
				return
			}
			p.handleStateChange(ctx, change)
		}
	}
}

func (p *Processor) handleStateChange(ctx context.Context, change domain.ExecutionStateChange) {
	event, ok := RenderEvent(change)
	if !ok {
		return
	}

	tenant := change.TenantID.String()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("processor: marshal event for execution %s: %v", change.Execution.ID, err)
		return
	}
	if err := p.publisher.Publish(ctx, bridge.TopicFor(tenant), payload); err != nil {
		log.Printf("processor: publish event for execution %s: %v", change.Execution.ID, err)
	}

	if p.analytics != nil && change.Execution.Status.IsTerminal() {
		outcome := "succeeded"
		if change.Execution.Status == domain.ExecutionStatusFailed {
			outcome = "failed"
		}
		p.analytics.RecordOutcome(ctx, tenant, change.Execution.JobID.String(), outcome)
	}
}

// RenderEvent maps an execution state change to the client-facing event
// shape. Pending transitions are internal and produce no event.
func RenderEvent(change domain.ExecutionStateChange) (domain.Event, bool) {
	exec := change.Execution

	var typ domain.EventType
	var at time.Time
	switch exec.Status {
	case domain.ExecutionStatusRunning:
		typ = domain.EventExecutionStarted
		at = exec.StartedAt
	case domain.ExecutionStatusSucceeded:
		typ = domain.EventExecutionSucceeded
		at = finishedOrStarted(exec)
	case domain.ExecutionStatusFailed:
		typ = domain.EventExecutionFailed
		at = finishedOrStarted(exec)
	default:
		return domain.Event{}, false
	}

	return domain.Event{
		Type:        typ,
		JobID:       exec.JobID.String(),
		ExecutionID: exec.ID.String(),
		Status:      string(exec.Status),
		Message:     exec.Error,
		Timestamp:   at.UTC(),
	}, true
}

func finishedOrStarted(exec domain.TriggerExecution) time.Time {
	if exec.FinishedAt != nil {
		return *exec.FinishedAt
	}
	return exec.StartedAt
}
