// Package queue runs the settlement job pipeline: typed jobs are wrapped in
// envelopes, stored in a Broker and dispatched to per-queue worker pools
// with bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names.
const (
	QueuePayments = "payments"
	QueueSMS      = "sms"
	QueueLoans    = "loans"
	QueueGas      = "gas"
	QueueCredit   = "credit"
)

// Job is anything that can be enqueued. Concrete jobs live in jobs.go and
// each belongs to exactly one queue.
type Job interface {
	Queue() string
	Type() string
}

// Enqueuer accepts jobs. Components hold a nil Enqueuer when queueing is
// disabled.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Envelope is the stored form of a job.
type Envelope struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewEnvelope serializes job into a fresh envelope.
func NewEnvelope(job Job, maxAttempts int) (*Envelope, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s job: %w", job.Queue(), job.Type(), err)
	}
	return &Envelope{
		ID:          uuid.NewString(),
		Queue:       job.Queue(),
		Type:        job.Type(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Result is the business outcome of a handled job. A job whose handler
// returns a Result with Success=false is complete, not retried.
type Result struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK is a successful Result.
func OK(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// NotOK is an unsuccessful, non-retryable Result.
func NotOK(reason string) *Result {
	return &Result{Success: false, Reason: reason}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job goes straight to the
// failed list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func decodePayload(env *Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s/%s payload: %w", env.Queue, env.Type, err))
	}
	return nil
}
