package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("pool stopped")

	// ErrPoolAlreadyRunning is returned when starting an already running pool
	ErrPoolAlreadyRunning = errors.New("pool already running")

	// ErrAskTimeout is returned when a submitted job does not complete within the ask timeout
	ErrAskTimeout = errors.New("ask timeout waiting for job completion")
)

const (
	// DefaultWorkerCount is the default number of pool workers
	DefaultWorkerCount = 4

	// DefaultAskTimeout is how long Submit waits for a job to complete
	DefaultAskTimeout = 30 * time.Second
)

// job pairs a unit of work with the channel its result is reported on
type job struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// Pool runs submitted jobs on a fixed set of workers. Submit blocks until the
// job completes or the ask timeout elapses, so callers get an answer per job
// rather than fire-and-forget semantics.
type Pool struct {
	workers    int
	askTimeout time.Duration
	logger     ectologger.Logger

	jobs     chan job
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewPool creates a pool with the given worker count and ask timeout
func NewPool(workers int, askTimeout time.Duration, logger ectologger.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if askTimeout <= 0 {
		askTimeout = DefaultAskTimeout
	}

	return &Pool{
		workers:    workers,
		askTimeout: askTimeout,
		logger:     logger,
		jobs:       make(chan job, workers*2),
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting pool: workers=%d ask_timeout=%s", p.workers, p.askTimeout)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go func() {
		p.wg.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop drains the workers gracefully
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping pool...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Pool stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Pool shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the pool is accepting jobs
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Submit hands the job to a worker and waits for it to finish. The error is
// the job's own error, ErrAskTimeout when the worker takes too long, or a
// context/stop error when the pool is going away.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return p.SubmitWithTimeout(ctx, name, fn, p.askTimeout)
}

// SubmitWithTimeout is Submit with a caller-chosen ask timeout. The schedule
// runner uses a much longer wait than interactive callers.
func (p *Pool) SubmitWithTimeout(ctx context.Context, name string, fn func(ctx context.Context) error, timeout time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Pool.Submit")
	defer span.End()

	if timeout <= 0 {
		timeout = p.askTimeout
	}

	j := job{
		ctx:  ctx,
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case p.jobs <- j:
	case <-p.stopCh:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-j.done:
		return err
	case <-timer.C:
		p.logger.WithContext(ctx).Warnf("Job %s did not complete within %s", name, timeout)
		return ErrAskTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker pulls jobs until the pool stops
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debugf("Worker %d started", id)

	for {
		select {
		case <-p.stopCh:
			p.logger.Debugf("Worker %d stopped", id)
			return
		case j := <-p.jobs:
			p.runJob(id, j)
		}
	}
}

// runJob executes one job. A panicking job is logged and its done channel is
// never written, so the submitter's ask timeout fires.
func (p *Pool) runJob(id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(j.ctx).WithFields(map[string]any{
				"worker": id,
				"job":    j.name,
			}).Errorf("Worker recovered from panic: %v", r)
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.done <- fmt.Errorf("job %s cancelled before execution: %w", j.name, err)
		return
	}

	j.done <- j.fn(j.ctx)
}
