package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/transition"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrRunnerStopped is returned when the runner is stopped
	ErrRunnerStopped = errors.New("schedule runner stopped")

	// ErrRunnerAlreadyRunning is returned when starting an already running runner
	ErrRunnerAlreadyRunning = errors.New("schedule runner already running")
)

const (
	// DefaultPollInterval is the default interval between runner cycles
	DefaultPollInterval = 30 * time.Second

	// DefaultAckTimeout is how long a dispatched transition may take to acknowledge
	DefaultAckTimeout = 5 * time.Minute
)

// Handler processes a synthesized price record update
type Handler interface {
	HandleRecord(ctx context.Context, record *models.PriceRecord, now time.Time) error
}

// Dispatcher fans work out to the shared orchestrator worker pool
type Dispatcher interface {
	SubmitWithTimeout(ctx context.Context, name string, fn func(ctx context.Context) error, timeout time.Duration) error
	Workers() int
}

// Config holds runner configuration
type Config struct {
	// PollInterval is how often due transitions are queried
	PollInterval time.Duration

	// AckTimeout is the per-transition dispatch wait
	AckTimeout time.Duration
}

// Runner walks transitions through pending_start, pending_end and removal as
// their window boundaries pass. Transitions that fail to acknowledge keep
// their state and are retried on the next poll; the reconciler's idempotent
// merge makes the at-least-once dispatch safe.
type Runner struct {
	transitions transition.Store
	dispatcher  Dispatcher
	handler     Handler
	config      Config
	metrics     *metrics.Metrics
	logger      ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewRunner creates a schedule runner
func NewRunner(
	transitions transition.Store,
	dispatcher Dispatcher,
	handler Handler,
	config Config,
	m *metrics.Metrics,
	logger ectologger.Logger,
) *Runner {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}

	return &Runner{
		transitions: transitions,
		dispatcher:  dispatcher,
		handler:     handler,
		config:      config,
		metrics:     m,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
	}
}

// Start starts the runner
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunnerAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithContext(ctx).Infof("Starting schedule runner: poll_interval=%s ack_timeout=%s",
		r.config.PollInterval, r.config.AckTimeout)

	go r.pollLoop(ctx)
	return nil
}

// Stop stops the runner gracefully
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.WithContext(ctx).Info("Stopping schedule runner...")
	close(r.stopCh)

	select {
	case <-r.stoppedC:
		r.logger.WithContext(ctx).Info("Schedule runner stopped gracefully")
	case <-ctx.Done():
		r.logger.WithContext(ctx).Warn("Schedule runner shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the runner is polling
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// pollLoop runs cycles back to back on the poll interval. A cycle blocks the
// loop until every dispatch in it has resolved, so polls never overlap.
func (r *Runner) pollLoop(ctx context.Context) {
	defer close(r.stoppedC)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.runCycle(ctx)

	for {
		select {
		case <-r.stopCh:
			r.logger.WithContext(ctx).Debug("Schedule runner poll loop stopping")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle dispatches every due transition and advances the acknowledged ones
func (r *Runner) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Runner.runCycle")
	defer span.End()

	now := time.Now().UTC()
	start := time.Now()

	acked := r.dispatchDue(ctx, now, "start") // window openings
	acked = append(acked, r.dispatchDue(ctx, now, "end")...)

	if len(acked) == 0 {
		return
	}

	advanced, err := r.transitions.Advance(ctx, acked, now)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to advance acknowledged transitions")
		return
	}

	r.logger.WithContext(ctx).Infof("Schedule cycle completed: acked=%d advanced=%d duration=%s",
		len(acked), advanced, time.Since(start))
}

// dispatchDue streams one boundary's due transitions through the pool with
// bounded parallelism and collects the ones that acknowledged
func (r *Runner) dispatchDue(ctx context.Context, now time.Time, boundary string) []*models.Transition {
	var cursor transition.Cursor
	var err error
	if boundary == "start" {
		cursor, err = r.transitions.DueStarts(ctx, now)
	} else {
		cursor, err = r.transitions.DueEnds(ctx, now)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to query due %s transitions", boundary)
		return nil
	}
	defer cursor.Close()

	sem := make(chan struct{}, r.dispatcher.Workers()*2)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked []*models.Transition
	)

	for {
		t, err := cursor.Next()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("Failed to read due %s transition", boundary)
			break
		}
		if t == nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(t *models.Transition) {
			defer wg.Done()
			defer func() { <-sem }()

			if r.dispatchOne(ctx, t, now) {
				mu.Lock()
				acked = append(acked, t)
				mu.Unlock()
				r.countDispatch(boundary, "success")
			} else {
				r.countDispatch(boundary, "failure")
			}
		}(t)
	}

	wg.Wait()
	return acked
}

// dispatchOne synthesizes a price update from the transition's payload and
// waits for the pool to acknowledge it. The payload slots were cloned from
// the stored record at extraction time, so they are re-stamped with the
// boundary time; replayed unstamped they would lose the staleness comparison
// and the boundary would change nothing.
func (r *Runner) dispatchOne(ctx context.Context, t *models.Transition, now time.Time) bool {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"transition": t.ID,
		"key":        t.Key().String(),
		"status":     string(t.Status),
	})

	record := &models.PriceRecord{
		Key:        t.Key(),
		VatRate:    t.Payload.VatRate,
		Original:   stampedSlot(t.Payload.Original, now),
		Sale:       stampedSlot(t.Payload.Sale, now),
		Promotion:  stampedSlot(t.Payload.Promotion, now),
		ObservedAt: now,
	}

	err := r.dispatcher.SubmitWithTimeout(ctx, "transition:"+t.ID, func(ctx context.Context) error {
		return r.handler.HandleRecord(ctx, record, time.Now().UTC())
	}, r.config.AckTimeout)
	if err != nil {
		log.WithError(err).Warn("Transition dispatch failed, will retry next poll")
		return false
	}

	log.Debug("Transition dispatched and acknowledged")
	return true
}

// stampedSlot clones a payload slot with its source timestamp moved to the
// boundary time, marking the transition as the latest update for that slot
func stampedSlot(d *models.PriceDetail, now time.Time) *models.PriceDetail {
	cp := d.Clone()
	if cp != nil {
		cp.LastUpdated = now
	}
	return cp
}

func (r *Runner) countDispatch(boundary, result string) {
	if r.metrics != nil {
		r.metrics.ScheduleDispatches.WithLabelValues(boundary, result).Inc()
	}
}
