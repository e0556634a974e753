// Package orchestrator drives a raw price update through reconciliation,
// schedule extraction and outbound event publication
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/pricerecord"
	"github.com/Ramsey-B/clover/pkg/appcontext"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/reconciler"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// EventPublisher publishes consolidated outbound price events
type EventPublisher interface {
	PublishPriceEvent(ctx context.Context, event *models.PriceEvent) error
}

// Orchestrator handles one price update end to end: merge, schedule, resolve
// the counterpart record and publish the consolidated event
type Orchestrator struct {
	reconciler *reconciler.Reconciler
	store      pricerecord.Store
	extractor  *scheduler.Extractor
	publisher  EventPublisher
	broadcast  map[string]string
	defaultVat float64
	logger     ectologger.Logger
}

// NewOrchestrator creates an orchestrator. broadcast maps a store to the
// single channel its base prices are broadcast to.
func NewOrchestrator(
	rec *reconciler.Reconciler,
	store pricerecord.Store,
	extractor *scheduler.Extractor,
	publisher EventPublisher,
	broadcast map[string]string,
	defaultVat float64,
	logger ectologger.Logger,
) *Orchestrator {
	return &Orchestrator{
		reconciler: rec,
		store:      store,
		extractor:  extractor,
		publisher:  publisher,
		broadcast:  broadcast,
		defaultVat: defaultVat,
		logger:     logger,
	}
}

// HandleRaw maps an inbound raw price to a record and processes it
func (o *Orchestrator) HandleRaw(ctx context.Context, raw *models.RawPrice, now time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.HandleRaw")
	defer span.End()

	if !raw.HasPrices() && !raw.IsDelete() {
		o.logger.WithContext(ctx).WithFields(map[string]any{"key": raw.Key().String()}).
			Warn("Raw price update carries no prices, acknowledging without merge")
		return nil
	}

	return o.HandleRecord(ctx, raw.ToRecord(o.defaultVat), now)
}

// HandleRecord reconciles the update, derives any schedule from the merged
// result and publishes the consolidated event unless the merge was ignored
func (o *Orchestrator) HandleRecord(ctx context.Context, record *models.PriceRecord, now time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.HandleRecord")
	defer span.End()

	ctx = appcontext.SetPriceKey(ctx, record.Key.String())
	log := o.logger.WithContext(ctx).WithFields(map[string]any{"key": record.Key.String()})

	outcome, merged, err := o.reconciler.Reconcile(ctx, record, now)
	if err != nil {
		return err
	}

	if record.Key.IsBase() && merged != nil && hasScheduleWindow(merged, now) {
		if err := o.extractor.DeriveAndStore(ctx, merged, now); err != nil {
			return err
		}
	}

	if outcome == reconciler.OutcomeIgnored {
		log.Debug("Merge ignored, no event published")
		return nil
	}

	base, channel, eventKey, err := o.resolveSides(ctx, record.Key, merged)
	if err != nil {
		return err
	}

	event := BuildOutboundEvent(eventKey, base, channel)
	if event == nil {
		log.Debugf("No publishable price after %s merge", outcome)
		return nil
	}

	if err := o.publisher.PublishPriceEvent(ctx, event); err != nil {
		return err
	}

	log.Infof("Published price event after %s merge", outcome)
	return nil
}

// resolveSides pairs the merged record with its counterpart. A base update
// resolves the store's broadcast channel record; a channel update resolves
// the base record for the same article.
func (o *Orchestrator) resolveSides(ctx context.Context, key models.PriceKey, merged *models.PriceRecord) (base, channel *models.PriceRecord, eventKey models.PriceKey, err error) {
	if key.IsBase() {
		base = merged
		eventKey = key
		if channelName, ok := o.broadcast[key.Store]; ok && channelName != "" {
			eventKey = key.WithChannel(channelName)
			channel, err = o.findCounterpart(ctx, eventKey)
			if err != nil {
				return nil, nil, models.PriceKey{}, err
			}
		}
		return base, channel, eventKey, nil
	}

	channel = merged
	eventKey = key
	base, err = o.findCounterpart(ctx, key.BaseKey())
	if err != nil {
		return nil, nil, models.PriceKey{}, err
	}
	return base, channel, eventKey, nil
}

func (o *Orchestrator) findCounterpart(ctx context.Context, key models.PriceKey) (*models.PriceRecord, error) {
	record, err := o.store.Find(ctx, key)
	if err != nil {
		if errors.Is(err, pricerecord.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// BuildOutboundEvent combines the base and channel sides into one event. The
// side holding more populated slots supplies the normal price; the channel
// side supplies the special price, preferring Promotion over Sale. When one
// record supplies both and the special undercuts nothing (its tax-inclusive
// amount is at or above the normal's), the special replaces the normal
// outright. Returns nil when neither side has a publishable price.
func BuildOutboundEvent(eventKey models.PriceKey, base, channel *models.PriceRecord) *models.PriceEvent {
	var (
		normal, special       *models.PriceDetail
		normalSrc, specialSrc *models.PriceRecord
		sameSide              bool
	)

	if slotCount(channel) > slotCount(base) && channel.Original != nil {
		normal = channel.Original
		normalSrc = channel
		if channel.Promotion != nil {
			special = channel.Promotion
		} else if channel.Sale != nil {
			special = channel.Sale
		}
		specialSrc = channel
		sameSide = special != nil
	} else {
		if base != nil && base.Original != nil {
			normal = base.Original
			normalSrc = base
		} else if channel != nil && channel.Original != nil {
			normal = channel.Original
			normalSrc = channel
		}
		if channel != nil {
			switch {
			case channel.Promotion != nil:
				special = channel.Promotion
				specialSrc = channel
			case channel.Sale != nil:
				special = channel.Sale
				specialSrc = channel
			case channel.Original != nil && normalSrc != channel:
				special = channel.Original
				specialSrc = channel
			}
		}
	}

	if sameSide && special != nil && normal != nil && special.AmountIncVat >= normal.AmountIncVat {
		normal = special
		normalSrc = specialSrc
		special = nil
	}

	if normal == nil && special != nil {
		normal = special
		normalSrc = specialSrc
		special = nil
	}
	if normal == nil {
		return nil
	}

	src := normalSrc
	if special != nil {
		src = specialSrc
	}

	return &models.PriceEvent{
		Channel: eventKey.Channel,
		Store:   eventKey.Store,
		SKU:     eventKey.SKU,
		Details: models.PriceEventDetails{
			Price:        models.FieldsOf(normal),
			SpecialPrice: models.FieldsOf(special),
			VatRate:      src.VatRate,
		},
		Timestamp: src.ObservedAt,
		Extra:     src.Extra,
	}
}

// hasScheduleWindow reports whether any slot still carries an unexpired
// validity window worth scheduling
func hasScheduleWindow(record *models.PriceRecord, now time.Time) bool {
	for _, d := range record.Slots() {
		if d == nil {
			continue
		}
		if d.ValidFrom == nil && d.ValidTo == nil {
			continue
		}
		if !d.ExpiredAt(now) {
			return true
		}
	}
	return false
}

func slotCount(record *models.PriceRecord) int {
	if record == nil {
		return 0
	}
	return record.PopulatedSlotCount()
}
