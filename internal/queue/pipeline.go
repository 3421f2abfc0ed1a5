package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/metrics"
)

// Handler processes one envelope. A returned error is retried up to the
// queue's MaxAttempts unless marked Permanent.
type Handler func(ctx context.Context, env *Envelope) (*Result, error)

// Pipeline owns one worker pool per registered queue.
type Pipeline struct {
	broker   Broker
	policies map[string]Policy
	handlers map[string]Handler
	logger   *zap.Logger

	popWait      time.Duration
	pollInterval time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

type PipelineOption func(*Pipeline)

// WithPollInterval sets how often delayed retries are promoted and how long
// a worker blocks waiting for work.
func WithPollInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.pollInterval = d
		p.popWait = d
	}
}

func NewPipeline(broker Broker, policies map[string]Policy, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if policies == nil {
		policies = DefaultPolicies()
	}
	p := &Pipeline{
		broker:       broker,
		policies:     policies,
		handlers:     make(map[string]Handler),
		logger:       logger.Named("pipeline"),
		popWait:      time.Second,
		pollInterval: 500 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds the handler of a queue. It must be called before Start.
func (p *Pipeline) Register(queue string, h Handler) {
	p.handlers[queue] = h
}

func (p *Pipeline) policy(queue string) Policy {
	pol, ok := p.policies[queue]
	if !ok {
		pol = Policy{MaxAttempts: 3, Backoff: Backoff{Kind: BackoffExponential, Delay: time.Second}, Concurrency: 1}
	}
	if pol.MaxAttempts <= 0 {
		pol.MaxAttempts = 1
	}
	if pol.Concurrency <= 0 {
		pol.Concurrency = 1
	}
	return pol
}

// Enqueue stores job at the back of its queue.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	env, err := NewEnvelope(job, p.policy(job.Queue()).MaxAttempts)
	if err != nil {
		return err
	}
	if err := p.broker.Push(ctx, env); err != nil {
		return err
	}
	p.logger.Debug("job enqueued",
		zap.String("queue", env.Queue), zap.String("type", env.Type), zap.String("job_id", env.ID))
	return nil
}

// Start launches the workers and the retry scheduler of every registered
// queue. They stop when ctx is cancelled; use Wait to block until they exit.
func (p *Pipeline) Start(ctx context.Context) {
	for queue, handler := range p.handlers {
		pol := p.policy(queue)

		p.wg.Add(1)
		go p.schedule(ctx, queue)

		for i := 0; i < pol.Concurrency; i++ {
			p.wg.Add(1)
			go p.work(ctx, queue, handler)
		}

		p.logger.Info("queue started",
			zap.String("queue", queue), zap.Int("concurrency", pol.Concurrency), zap.Int("max_attempts", pol.MaxAttempts))
	}
}

// Wait blocks until every worker has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) schedule(ctx context.Context, queue string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.broker.PromoteDue(ctx, queue, p.now()); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to promote delayed jobs", zap.String("queue", queue), zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) work(ctx context.Context, queue string, handler Handler) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		env, err := p.broker.Pop(ctx, queue, p.popWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("failed to pop job", zap.String("queue", queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		if env == nil {
			continue
		}

		p.process(ctx, env, handler)
	}
}

// process runs one attempt of env and reschedules or fails it on error.
func (p *Pipeline) process(ctx context.Context, env *Envelope, handler Handler) {
	pol := p.policy(env.Queue)
	env.Attempts++

	log := p.logger.With(
		zap.String("queue", env.Queue),
		zap.String("type", env.Type),
		zap.String("job_id", env.ID),
		zap.Int("attempt", env.Attempts),
	)

	result, err := p.run(ctx, env, handler, pol.Timeout)
	if err == nil {
		outcome := "success"
		if result != nil && !result.Success {
			outcome = "rejected"
			log.Info("job completed without success", zap.String("reason", result.Reason))
		} else {
			log.Debug("job completed")
		}
		metrics.JobsProcessed.WithLabelValues(env.Queue, env.Type, outcome).Inc()
		return
	}

	env.LastError = err.Error()
	metrics.JobsProcessed.WithLabelValues(env.Queue, env.Type, "error").Inc()

	if env.Attempts < env.MaxAttempts && !IsPermanent(err) {
		delay := pol.Backoff.Next(env.Attempts)
		if serr := p.broker.Schedule(context.WithoutCancel(ctx), env, p.now().Add(delay)); serr != nil {
			log.Error("failed to schedule retry, recording job as failed", zap.Error(serr))
			p.fail(ctx, env, log)
			return
		}
		metrics.JobRetries.WithLabelValues(env.Queue).Inc()
		log.Warn("job failed, retry scheduled", zap.Duration("backoff", delay), zap.Error(err))
		return
	}

	log.Error("job permanently failed", zap.Error(err))
	p.fail(ctx, env, log)
}

func (p *Pipeline) fail(ctx context.Context, env *Envelope, log *zap.Logger) {
	metrics.JobsFailed.WithLabelValues(env.Queue).Inc()
	// The failed list is written even when ctx is already cancelled.
	if err := p.broker.Fail(context.WithoutCancel(ctx), env); err != nil {
		log.Error("failed to record failed job", zap.Error(err))
	}
}

func (p *Pipeline) run(ctx context.Context, env *Envelope, handler Handler, timeout time.Duration) (result *Result, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	result, err = handler(ctx, env)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("handler timed out after %s: %w", timeout, err)
	}
	return result, err
}
