// Package importer pulls raw price messages in batches and commits the read
// position only when a whole batch dispatched cleanly
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/pkg/appcontext"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrPipelineAlreadyRunning is returned when starting a running pipeline
	ErrPipelineAlreadyRunning = errors.New("import pipeline already running")
)

const (
	// DefaultBatchCap is the hard cap on messages per cycle, carried messages included
	DefaultBatchCap = 2000

	// DefaultPollTimeout is the per-message read timeout while filling a batch
	DefaultPollTimeout = 2 * time.Second

	// DefaultCycleInterval is the pause between import cycles
	DefaultCycleInterval = 3 * time.Second
)

// Source is the pull side of the transport
type Source interface {
	Fetch(ctx context.Context, timeout time.Duration) (*kafkago.Message, error)
	Commit(ctx context.Context, msgs ...kafkago.Message) error
}

// DeadLetter records messages that failed envelope validation
type DeadLetter interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// Dispatcher fans message handling out to the orchestrator pool
type Dispatcher interface {
	Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error
	Workers() int
}

// RawHandler processes one deserialized raw price update
type RawHandler interface {
	HandleRaw(ctx context.Context, raw *models.RawPrice, now time.Time) error
}

// Config holds pipeline configuration
type Config struct {
	// BatchCap is the maximum batch size per cycle
	BatchCap int

	// PollTimeout is the per-message read timeout
	PollTimeout time.Duration

	// CycleInterval is the pause between cycles
	CycleInterval time.Duration

	// SupportedSchemaVersions lists the accepted envelope schema versions
	SupportedSchemaVersions []string
}

// Pipeline drives the import loop. Dispatch failures hold back the transport
// commit and the failed tail of the batch is resubmitted ahead of new
// messages on the next cycle.
type Pipeline struct {
	source     Source
	dlq        DeadLetter
	dispatcher Dispatcher
	handler    RawHandler
	validate   *validator.Validate
	config     Config
	versions   map[string]struct{}
	metrics    *metrics.Metrics
	logger     ectologger.Logger

	carryOver []kafkago.Message

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewPipeline creates an import pipeline
func NewPipeline(
	source Source,
	dlq DeadLetter,
	dispatcher Dispatcher,
	handler RawHandler,
	config Config,
	m *metrics.Metrics,
	logger ectologger.Logger,
) *Pipeline {
	if config.BatchCap <= 0 {
		config.BatchCap = DefaultBatchCap
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.CycleInterval <= 0 {
		config.CycleInterval = DefaultCycleInterval
	}

	versions := make(map[string]struct{}, len(config.SupportedSchemaVersions))
	for _, v := range config.SupportedSchemaVersions {
		versions[strings.TrimSpace(v)] = struct{}{}
	}

	return &Pipeline{
		source:     source,
		dlq:        dlq,
		dispatcher: dispatcher,
		handler:    handler,
		validate:   validator.New(),
		config:     config,
		versions:   versions,
		metrics:    m,
		logger:     logger,
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// Start launches the import loop
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPipelineAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting import pipeline: batch_cap=%d cycle_interval=%s",
		p.config.BatchCap, p.config.CycleInterval)

	go p.loop(ctx)
	return nil
}

// Stop stops the import loop gracefully
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping import pipeline...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Import pipeline stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Import pipeline shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the pipeline is cycling
func (p *Pipeline) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// loop re-arms the next cycle unconditionally, committed or not
func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.stoppedC)

	for {
		p.RunCycle(ctx)

		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Import loop stopping")
			return
		case <-time.After(p.config.CycleInterval):
		}
	}
}

// RunCycle pulls one batch, dispatches it and commits the read position when
// every dispatch succeeded. Carried-over messages from the previous failed
// batch go first.
func (p *Pipeline) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "importer.Pipeline.RunCycle")
	defer span.End()

	batch := p.fillBatch(ctx)
	if len(batch) == 0 {
		return
	}

	log := p.logger.WithContext(ctx)
	log.Debugf("Dispatching import batch of %d messages", len(batch))

	failed := p.dispatchBatch(ctx, batch)

	if len(failed) == 0 {
		if err := p.source.Commit(ctx, batch...); err != nil {
			log.WithError(err).Error("Failed to commit import batch, retrying next cycle")
			p.carryOver = batch
			return
		}
		p.carryOver = nil
		if p.metrics != nil {
			p.metrics.BatchesCommitted.Inc()
		}
		log.Infof("Committed import batch of %d messages", len(batch))
		return
	}

	// Hold the commit and resubmit the batch from the first failure onward.
	first := failed[0]
	p.carryOver = batch[first:]
	log.Warnf("Import batch had %d dispatch failures, carrying over %d messages", len(failed), len(p.carryOver))
}

// fillBatch prepends the carry-over and tops up from the transport until the
// cap is reached or a poll window comes back empty
func (p *Pipeline) fillBatch(ctx context.Context) []kafkago.Message {
	batch := make([]kafkago.Message, 0, p.config.BatchCap)
	batch = append(batch, p.carryOver...)

	for len(batch) < p.config.BatchCap {
		select {
		case <-p.stopCh:
			return batch
		default:
		}

		msg, err := p.source.Fetch(ctx, p.config.PollTimeout)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Error("Failed to fetch import message")
			break
		}
		if msg == nil {
			break
		}
		batch = append(batch, *msg)
	}

	return batch
}

// dispatchBatch sends every message through the pool with bounded parallelism
// and returns the sorted batch indexes whose dispatch failed
func (p *Pipeline) dispatchBatch(ctx context.Context, batch []kafkago.Message) []int {
	sem := make(chan struct{}, p.dispatcher.Workers()*2)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []int
	)

	for i := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			if !p.processOne(ctx, &batch[idx]) {
				mu.Lock()
				failed = append(failed, idx)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	sort.Ints(failed)
	return failed
}

// processOne validates and dispatches a single message. Validation rejects
// count as resolved so a bad message never blocks its batch.
func (p *Pipeline) processOne(ctx context.Context, msg *kafkago.Message) bool {
	ctx = appcontext.SetMessageID(ctx, fmt.Sprintf("%d-%d", msg.Partition, msg.Offset))

	raw, reason := p.parseAndValidate(msg.Value)
	if raw == nil {
		p.rejectMessage(ctx, msg, reason)
		return true
	}

	p.countInbound("valid")
	if p.metrics != nil {
		p.metrics.MessagesInFlight.Inc()
		defer p.metrics.MessagesInFlight.Dec()
	}

	name := fmt.Sprintf("import:%d-%d", msg.Partition, msg.Offset)
	err := p.dispatcher.Submit(ctx, name, func(ctx context.Context) error {
		return p.handler.HandleRaw(ctx, raw, time.Now().UTC())
	})
	if err != nil {
		p.countInbound("dispatch_error")
		p.logger.WithContext(ctx).WithError(err).Warnf("Dispatch failed for message %s", name)
		return false
	}

	return true
}

// parseAndValidate deserializes the envelope and checks schema version and
// event type. A nil result means rejection, with the reason alongside.
func (p *Pipeline) parseAndValidate(payload []byte) (*models.RawPrice, string) {
	var raw models.RawPrice
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Sprintf("malformed payload: %v", err)
	}

	if err := p.validate.Struct(&raw); err != nil {
		return nil, fmt.Sprintf("invalid envelope: %v", err)
	}

	if _, ok := p.versions[raw.SchemaVersion]; !ok {
		return nil, fmt.Sprintf("unsupported schema version %q", raw.SchemaVersion)
	}
	if raw.EventType != models.RawPriceEventType {
		return nil, fmt.Sprintf("unexpected event type %q", raw.EventType)
	}

	return &raw, ""
}

// rejectMessage routes a validation failure to the dead letter queue. The
// message still counts toward the batch commit.
func (p *Pipeline) rejectMessage(ctx context.Context, msg *kafkago.Message, reason string) {
	p.countInbound("invalid")
	if p.metrics != nil {
		p.metrics.DLQEntries.Inc()
	}

	p.logger.WithContext(ctx).Warnf("Rejected import message at offset %d: %s", msg.Offset, reason)

	if p.dlq == nil {
		return
	}
	entry := &redis.DLQEntry{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Reason:    reason,
	}
	if _, err := p.dlq.Add(ctx, entry); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to record rejected message in DLQ")
	}
}

func (p *Pipeline) countInbound(result string) {
	if p.metrics != nil {
		p.metrics.InboundMessages.WithLabelValues(result).Inc()
	}
}
