// Package scheduler derives deferred price transitions from merged records
// and executes them when their window boundaries pass
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/repositories/transition"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Extractor derives the single schedulable window from a merged record and
// stores it as a Transition, replacing whatever was scheduled for the article
type Extractor struct {
	transitions transition.Store
	logger      ectologger.Logger
}

// NewExtractor creates a schedule extractor
func NewExtractor(transitions transition.Store, logger ectologger.Logger) *Extractor {
	return &Extractor{
		transitions: transitions,
		logger:      logger,
	}
}

// slotGroup collects the slots sharing one (validFrom, validTo) window
type slotGroup struct {
	validFrom *time.Time
	validTo   *time.Time
	slots     map[models.SlotName]*models.PriceDetail
}

// DeriveAndStore extracts the schedulable window from the merged record.
// At most one distinct window is supported per article: zero windows store
// nothing, more than one is invalid input and is logged and skipped. The
// price merge that produced the record has already committed either way.
func (e *Extractor) DeriveAndStore(ctx context.Context, merged *models.PriceRecord, now time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Extractor.DeriveAndStore")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{"key": merged.Key.String()})

	groups := groupSchedulableSlots(merged, now)
	if len(groups) == 0 {
		return nil
	}
	if len(groups) > 1 {
		log.Errorf("Record has %d distinct validity windows, only one is supported, skipping schedule", len(groups))
		return nil
	}

	var group *slotGroup
	for _, g := range groups {
		group = g
	}

	status := models.TransitionPendingEnd
	if group.validFrom != nil && group.validFrom.After(now) {
		status = models.TransitionPendingStart
	}

	t := &models.Transition{
		ID:        uuid.New().String(),
		Channel:   merged.Key.Channel,
		Store:     merged.Key.Store,
		SKU:       merged.Key.SKU,
		ValidFrom: group.validFrom,
		ValidTo:   group.validTo,
		Payload: models.TransitionPayload{
			VatRate:   merged.VatRate,
			Original:  group.slots[models.SlotOriginal],
			Sale:      group.slots[models.SlotSale],
			Promotion: group.slots[models.SlotPromotion],
		},
		Status:    status,
		Version:   now,
		CreatedAt: now,
	}

	if err := e.transitions.ReplaceForArticle(ctx, t); err != nil {
		log.WithError(err).Error("Failed to store price transition")
		return err
	}

	log.Infof("Scheduled price transition: status=%s valid_from=%v valid_to=%v", status, group.validFrom, group.validTo)
	return nil
}

// groupSchedulableSlots buckets the record's slots by validity window. Always
// valid and fully expired slots never schedule anything. A channel record
// schedules on its Original slot only.
func groupSchedulableSlots(merged *models.PriceRecord, now time.Time) map[string]*slotGroup {
	names := models.SlotNames[:]
	if !merged.Key.IsBase() {
		names = []models.SlotName{models.SlotOriginal}
	}

	groups := make(map[string]*slotGroup)
	for _, name := range names {
		detail := merged.Slot(name)
		if detail == nil {
			continue
		}
		if detail.ValidFrom == nil && detail.ValidTo == nil {
			continue
		}
		if detail.ExpiredAt(now) {
			continue
		}

		key := windowKey(detail.ValidFrom, detail.ValidTo)
		g, ok := groups[key]
		if !ok {
			g = &slotGroup{
				validFrom: detail.ValidFrom,
				validTo:   detail.ValidTo,
				slots:     make(map[models.SlotName]*models.PriceDetail),
			}
			groups[key] = g
		}
		g.slots[name] = detail.Clone()
	}

	return groups
}

func windowKey(validFrom, validTo *time.Time) string {
	return fmt.Sprintf("%s|%s", boundKey(validFrom), boundKey(validTo))
}

func boundKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
