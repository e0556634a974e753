// Package events publishes consolidated price events and merge audit records
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current outbound event schema version
const SchemaVersion = "1.0"

// PriceEventType marks a consolidated price event envelope
const PriceEventType = "price.updated"

// AuditEventType marks a merge decision audit envelope
const AuditEventType = "price.merge.audit"

// priceEnvelope is the wire form of an outbound consolidated price event
type priceEnvelope struct {
	SchemaVersion string                   `json:"schemaVersion"`
	EventType     string                   `json:"eventType"`
	Channel       string                   `json:"channel,omitempty"`
	Store         string                   `json:"store"`
	SKU           string                   `json:"sku"`
	Details       models.PriceEventDetails `json:"details"`
	Timestamp     time.Time                `json:"timestamp"`
	Extra         map[string]string        `json:"extra,omitempty"`
}

// auditEnvelope is the wire form of a merge decision record
type auditEnvelope struct {
	SchemaVersion string              `json:"schemaVersion"`
	EventType     string              `json:"eventType"`
	Channel       string              `json:"channel,omitempty"`
	Store         string              `json:"store"`
	SKU           string              `json:"sku"`
	Decision      string              `json:"decision"`
	Record        *models.PriceRecord `json:"record,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Emitter publishes outbound price events and merge audit records to their
// respective topics
type Emitter struct {
	events  *kafka.Producer
	audit   *kafka.Producer
	metrics *metrics.Metrics
	logger  ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(events *kafka.Producer, audit *kafka.Producer, m *metrics.Metrics, logger ectologger.Logger) *Emitter {
	return &Emitter{
		events:  events,
		audit:   audit,
		metrics: m,
		logger:  logger,
	}
}

// PublishPriceEvent publishes a consolidated price event keyed by its article
func (e *Emitter) PublishPriceEvent(ctx context.Context, event *models.PriceEvent) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.PublishPriceEvent")
	defer span.End()

	envelope := priceEnvelope{
		SchemaVersion: SchemaVersion,
		EventType:     PriceEventType,
		Channel:       event.Channel,
		Store:         event.Store,
		SKU:           event.SKU,
		Details:       event.Details,
		Timestamp:     event.Timestamp,
		Extra:         event.Extra,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		e.countOutbound("marshal_error")
		return err
	}

	if err := e.events.Publish(ctx, []byte(event.Key().String()), payload); err != nil {
		e.countOutbound("error")
		e.logger.WithContext(ctx).WithError(err).Error("Failed to publish price event")
		return err
	}

	e.countOutbound("success")
	return nil
}

// RecordMergeDecision publishes a merge audit record. Every reconcile decision
// lands here, including Ignored ones.
func (e *Emitter) RecordMergeDecision(ctx context.Context, key models.PriceKey, decision string, record *models.PriceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.RecordMergeDecision")
	defer span.End()

	envelope := auditEnvelope{
		SchemaVersion: SchemaVersion,
		EventType:     AuditEventType,
		Channel:       key.Channel,
		Store:         key.Store,
		SKU:           key.SKU,
		Decision:      decision,
		Record:        record,
		Timestamp:     time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Audit must never hold up the merge path; delivery failures are logged
	// from the callback instead of surfaced to the reconciler.
	e.audit.PublishAsync(ctx, []byte(key.String()), payload, func(err error) {
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).Warnf("Failed to deliver merge audit record for %s", key.String())
		}
	})
	return nil
}

func (e *Emitter) countOutbound(result string) {
	if e.metrics != nil {
		e.metrics.OutboundEvents.WithLabelValues(result).Inc()
	}
}
