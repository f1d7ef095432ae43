// Package runner invokes the external job runner for dispatched executions.
package runner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipewise-io/pipewise/internal/circuitbreaker"
	"github.com/pipewise-io/pipewise/internal/domain"
)

// RunRequest is the payload posted to the job runner endpoint.
type RunRequest struct {
	JobID       string            `json:"job_id"`
	TriggerID   string            `json:"trigger_id"`
	Params      map[string]string `json:"params,omitempty"`
	RequestedAt string            `json:"requested_at"`
}

// HTTPRunner posts HMAC-signed run requests to each job's runner endpoint.
// The caller bounds the call through ctx; a non-2xx response is a dispatch
// failure.
type HTTPRunner struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker // optional, nil = disabled
}

func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{
		client: &http.Client{},
	}
}

// WithBreaker attaches a circuit breaker keyed by runner endpoint. While a
// circuit is open, RunJob fails fast without touching the endpoint.
func (r *HTTPRunner) WithBreaker(breaker *circuitbreaker.Breaker) *HTTPRunner {
	r.breaker = breaker
	return r
}

// Send headers: X-Pipewise-Job-ID, X-Pipewise-Trigger-ID, X-Pipewise-Signature.
func (r *HTTPRunner) RunJob(ctx context.Context, job domain.TriggerJob) error {
	if job.Endpoint == "" {
		return fmt.Errorf("job %s: no runner endpoint configured", job.JobID)
	}

	if r.breaker != nil {
		if err := r.breaker.Allow(job.Endpoint); err != nil {
			return fmt.Errorf("endpoint %s: %w", job.Endpoint, err)
		}
	}

	payload := RunRequest{
		JobID:       job.JobID.String(),
		TriggerID:   job.TriggerID.String(),
		Params:      job.Params,
		RequestedAt: time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Pipewise-Job-ID", payload.JobID)
	httpReq.Header.Set("X-Pipewise-Trigger-ID", payload.TriggerID)
	httpReq.Header.Set("X-Pipewise-Signature", computeSignature(job.Secret, body))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure(job.Endpoint)
		}
		return fmt.Errorf("run job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if r.breaker != nil {
			r.breaker.RecordFailure(job.Endpoint)
		}
		return fmt.Errorf("runner returned status %d", resp.StatusCode)
	}

	if r.breaker != nil {
		r.breaker.RecordSuccess(job.Endpoint)
	}
	return nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for runner implementations to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
