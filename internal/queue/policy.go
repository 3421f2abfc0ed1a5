package queue

import "time"

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff is the delay strategy between attempts.
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

// Next returns the delay before the retry that follows the given number of
// completed attempts (1 for the first failure).
func (b Backoff) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if b.Kind == BackoffFixed {
		return b.Delay
	}
	return b.Delay << (attempts - 1)
}

// Policy is the retry and concurrency policy of one queue.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Concurrency int
	Timeout     time.Duration
}

// DefaultPolicies returns the stock policy of every queue.
func DefaultPolicies() map[string]Policy {
	exp := Backoff{Kind: BackoffExponential, Delay: time.Second}
	return map[string]Policy{
		QueuePayments: {MaxAttempts: 3, Backoff: exp, Concurrency: 10, Timeout: 30 * time.Second},
		QueueSMS:      {MaxAttempts: 3, Backoff: Backoff{Kind: BackoffFixed, Delay: 2 * time.Second}, Concurrency: 5, Timeout: 15 * time.Second},
		QueueLoans:    {MaxAttempts: 3, Backoff: exp, Concurrency: 3, Timeout: 30 * time.Second},
		QueueGas:      {MaxAttempts: 3, Backoff: exp, Concurrency: 5, Timeout: 45 * time.Second},
		QueueCredit:   {MaxAttempts: 3, Backoff: exp, Concurrency: 3, Timeout: 30 * time.Second},
	}
}

// PoliciesWithConcurrency applies per-queue concurrency overrides to the
// defaults. Non-positive values are ignored.
func PoliciesWithConcurrency(overrides map[string]int) map[string]Policy {
	policies := DefaultPolicies()
	for name, n := range overrides {
		p, ok := policies[name]
		if !ok || n <= 0 {
			continue
		}
		p.Concurrency = n
		policies[name] = p
	}
	return policies
}
