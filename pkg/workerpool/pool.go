// Package workerpool runs a fixed batch of jobs over a bounded set of
// workers and returns one result per job. Sized for sink fan-out during a
// pipeline run, not for long-lived streaming queues.
package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work.
type Job struct {
	ID      string
	Payload any
}

// Result is the outcome of one job.
type Result struct {
	JobID    string
	Err      error
	Attempts int
}

// WorkerFunc processes one job.
type WorkerFunc func(ctx context.Context, job Job) error

// Config holds pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// MaxRetries bounds re-attempts per job after the first try.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits n*RetryDelay.
	RetryDelay time.Duration
	// Retryable decides whether a failure is worth retrying. Nil retries
	// nothing: permanent failures must not be replayed.
	Retryable func(error) bool
}

// DefaultConfig returns defaults for sink publishing.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool executes batches of jobs.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger
}

// New creates a pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Pool{config: cfg, fn: fn, logger: logger}
}

// Run processes every job and returns results in job order. Cancellation
// stops work at job boundaries; jobs never started report ctx.Err().
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	indexes := make(chan int)

	var wg sync.WaitGroup
	workers := p.config.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = p.process(ctx, jobs[i])
			}
		}()
	}

feed:
	for i := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()

	// Jobs never handed to a worker report the cancellation cause.
	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Attempts == 0 {
				results[i] = Result{JobID: jobs[i].ID, Err: err}
			}
		}
	}
	return results
}

func (p *Pool) process(ctx context.Context, job Job) Result {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{JobID: job.ID, Err: err, Attempts: attempt}
		}

		lastErr = p.fn(ctx, job)
		if lastErr == nil {
			return Result{JobID: job.ID, Attempts: attempt + 1}
		}

		if p.config.Retryable == nil || !p.config.Retryable(lastErr) {
			return Result{JobID: job.ID, Err: lastErr, Attempts: attempt + 1}
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return Result{JobID: job.ID, Err: ctx.Err(), Attempts: attempt + 1}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return Result{JobID: job.ID, Err: lastErr, Attempts: p.config.MaxRetries + 1}
}
