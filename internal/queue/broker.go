package queue

import (
	"context"
	"time"
)

// Broker stores envelopes. Ready lists are FIFO; delayed envelopes re-enter
// the back of their ready list once due.
type Broker interface {
	Push(ctx context.Context, env *Envelope) error
	// Pop blocks up to wait for an envelope. It returns nil, nil on timeout.
	Pop(ctx context.Context, queue string, wait time.Duration) (*Envelope, error)
	Schedule(ctx context.Context, env *Envelope, at time.Time) error
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	Fail(ctx context.Context, env *Envelope) error
	Failed(ctx context.Context, queue string) ([]*Envelope, error)
}
