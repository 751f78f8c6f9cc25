package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/anchor/pkg/metrics"
	"github.com/cenkalti/backoff/v5"
)

const (
	defConcurrency    = 10
	defPollInterval   = 100 * time.Millisecond
	defMaxAttempts    = 3
	defInitialBackoff = 2 * time.Second
	defMaxBackoff     = time.Minute
)

type Handler func(ctx context.Context, job Job) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// FailedHandler is called once a job has exhausted its attempts.
type FailedHandler func(ctx context.Context, job Job, err error)

type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JobTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defPollInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defMaxBackoff
	}

	return c
}

type registration struct {
	handle   Handler
	onFailed FailedHandler
}

type Processor struct {
	queue  Queue
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]registration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewProcessor(queue Queue, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: make(map[string]registration),
	}
}

func (p *Processor) Handle(queue string, h Handler, onFailed FailedHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[queue] = registration{handle: h, onFailed: onFailed}
}

// Start recovers in-flight jobs and begins consuming every registered queue.
// Calling Start on a running processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for queue, reg := range p.handlers {
		n, err := p.queue.Recover(ctx, queue)
		if err != nil {
			p.logger.WarnContext(ctx, "failed to recover in-flight jobs", "queue", queue, "error", err)
		}
		if n > 0 {
			p.logger.InfoContext(ctx, "recovered in-flight jobs", "queue", queue, "count", n)
		}

		for range p.cfg.Concurrency {
			p.wg.Add(1)
			go p.consume(ctx, queue, reg)
		}
	}
}

// Stop cancels consumers and waits for them to return. Jobs interrupted by
// Stop stay in flight and are recovered by the next Start.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cancel != nil
}

func (p *Processor) consume(ctx context.Context, queue string, reg registration) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := p.queue.Dequeue(ctx, queue)
		switch {
		case errors.Is(err, ErrQueueEmpty):
			timer.Reset(p.cfg.PollInterval)

			continue
		case err != nil:
			if ctx.Err() == nil {
				p.logger.WarnContext(ctx, "failed to dequeue job", "queue", queue, "error", err)
			}
			timer.Reset(p.cfg.PollInterval)

			continue
		}

		p.process(ctx, job, reg)
		timer.Reset(0)
	}
}

func (p *Processor) process(ctx context.Context, job Job, reg registration) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxInterval = p.cfg.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0

	attempt := job.Attempt
	op := func() (struct{}, error) {
		attempt++
		current := job
		current.Attempt = attempt

		runCtx := ctx
		if p.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
			defer cancel()
		}

		return struct{}{}, reg.handle(runCtx, current)
	}

	notify := func(err error, next time.Duration) {
		p.logger.WarnContext(ctx, "job attempt failed", "queue", job.Queue, "job_id", job.ID, "attempt", attempt, "retry_in", next, "error", err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil && ctx.Err() != nil {
		return
	}

	if err != nil {
		job.Attempt = attempt
		metrics.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()
		p.logger.ErrorContext(ctx, "job exhausted retries", "queue", job.Queue, "job_id", job.ID, "attempts", attempt, "error", err)
		if reg.onFailed != nil {
			reg.onFailed(ctx, job, err)
		}
	} else {
		metrics.JobsProcessed.WithLabelValues(job.Queue, "completed").Inc()
	}

	if err := p.queue.Ack(ctx, job); err != nil {
		p.logger.WarnContext(ctx, "failed to ack job", "queue", job.Queue, "job_id", job.ID, "error", err)
	}
}
