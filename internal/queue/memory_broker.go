package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type delayedEnvelope struct {
	env *Envelope
	at  time.Time
}

// MemoryBroker is a process-local Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   map[string][]*Envelope
	delayed map[string][]delayedEnvelope
	failed  map[string][]*Envelope
	signal  map[string]chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ready:   make(map[string][]*Envelope),
		delayed: make(map[string][]delayedEnvelope),
		failed:  make(map[string][]*Envelope),
		signal:  make(map[string]chan struct{}),
	}
}

// signalFor must be called with mu held.
func (b *MemoryBroker) signalFor(queue string) chan struct{} {
	ch, ok := b.signal[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.signal[queue] = ch
	}
	return ch
}

func (b *MemoryBroker) pushLocked(env *Envelope) {
	b.ready[env.Queue] = append(b.ready[env.Queue], env)
	select {
	case b.signalFor(env.Queue) <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Push(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(env)
	return nil
}

func (b *MemoryBroker) Pop(ctx context.Context, queue string, wait time.Duration) (*Envelope, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if items := b.ready[queue]; len(items) > 0 {
			env := items[0]
			b.ready[queue] = items[1:]
			b.mu.Unlock()
			return env, nil
		}
		ch := b.signalFor(queue)
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ch:
		}
	}
}

func (b *MemoryBroker) Schedule(ctx context.Context, env *Envelope, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed[env.Queue] = append(b.delayed[env.Queue], delayedEnvelope{env: env, at: at})
	return nil
}

func (b *MemoryBroker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.delayed[queue]
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })

	kept := pending[:0]
	promoted := 0
	for _, d := range pending {
		if d.at.After(now) {
			kept = append(kept, d)
			continue
		}
		b.pushLocked(d.env)
		promoted++
	}
	b.delayed[queue] = kept
	return promoted, nil
}

func (b *MemoryBroker) Fail(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed[env.Queue] = append(b.failed[env.Queue], env)
	return nil
}

func (b *MemoryBroker) Failed(ctx context.Context, queue string) ([]*Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Envelope(nil), b.failed[queue]...), nil
}

// Len reports ready and delayed counts for a queue.
func (b *MemoryBroker) Len(queue string) (ready, delayed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready[queue]), len(b.delayed[queue])
}
