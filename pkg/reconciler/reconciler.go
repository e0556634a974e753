package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/pricerecord"
	"github.com/Ramsey-B/clover/internal/repositories/snapshot"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Outcome classifies what a reconciliation did to the stored record
type Outcome string

const (
	// OutcomeCreated means a record was written where none existed
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means an existing record was replaced
	OutcomeUpdated Outcome = "updated"
	// OutcomeDeleted means the merge left no valid slots and the record was removed
	OutcomeDeleted Outcome = "deleted"
	// OutcomeIgnored means nothing changed for the caller
	OutcomeIgnored Outcome = "ignored"
)

// promotionWindow is how long a synthesized Promotion mirrors a new Sale price
const promotionWindow = 5 * time.Minute

// ErrRetriesExhausted is returned when a retry cap is configured and reached
var ErrRetriesExhausted = errors.New("reconcile retries exhausted")

// AuditSink receives every merge decision, including Ignored ones.
// Failures are logged and never fail the merge.
type AuditSink interface {
	RecordMergeDecision(ctx context.Context, key models.PriceKey, decision string, record *models.PriceRecord) error
}

// Reconciler merges partial, possibly out-of-order price updates into the
// single current record per key under optimistic concurrency
type Reconciler struct {
	store       pricerecord.Store
	snapshots   snapshot.Store
	audit       AuditSink
	metrics     *metrics.Metrics
	logger      ectologger.Logger
	maxAttempts int
}

// New creates a reconciler. maxAttempts of 0 keeps retrying conflicts forever.
func New(store pricerecord.Store, snapshots snapshot.Store, audit AuditSink, m *metrics.Metrics, logger ectologger.Logger, maxAttempts int) *Reconciler {
	return &Reconciler{
		store:       store,
		snapshots:   snapshots,
		audit:       audit,
		metrics:     m,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Reconcile merges the incoming partial update into the stored record for its
// key and performs the guarded write. Version conflicts re-read and recombine
// with the merge clock advanced one second per attempt, so a loser never
// overwrites a winner and per-slot staleness decides which values survive.
func (r *Reconciler) Reconcile(ctx context.Context, incoming *models.PriceRecord, now time.Time) (Outcome, *models.PriceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Reconciler.Reconcile")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"key": incoming.Key.String()})

	attempt := 0
	for {
		outcome, merged, retry, err := r.reconcileOnce(ctx, incoming, now)
		if !retry {
			if err == nil {
				r.countOutcome(outcome)
			}
			return outcome, merged, err
		}

		attempt++
		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			log.WithError(err).Errorf("Giving up reconciliation after %d attempts", attempt)
			return OutcomeIgnored, nil, ErrRetriesExhausted
		}

		if errors.Is(err, pricerecord.ErrVersionConflict) {
			if r.metrics != nil {
				r.metrics.ConflictRetries.Inc()
			}
			log.Warnf("Version conflict on attempt %d, re-reading and retrying", attempt)
		} else {
			log.WithError(err).Errorf("Unexpected storage error on attempt %d, retrying", attempt)
		}

		if ctx.Err() != nil {
			return OutcomeIgnored, nil, ctx.Err()
		}
		now = now.Add(time.Second)
	}
}

func (r *Reconciler) countOutcome(outcome Outcome) {
	if r.metrics != nil {
		r.metrics.MergeOutcomes.WithLabelValues(string(outcome)).Inc()
	}
}

// reconcileOnce runs one read-merge-write attempt. retry=true means the
// guarded write lost the race or storage failed unexpectedly.
func (r *Reconciler) reconcileOnce(ctx context.Context, original *models.PriceRecord, now time.Time) (outcome Outcome, merged *models.PriceRecord, retry bool, err error) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{"key": original.Key.String()})

	current, err := r.store.Find(ctx, original.Key)
	if err != nil {
		if errors.Is(err, pricerecord.ErrNotFound) {
			current = nil
		} else {
			return OutcomeIgnored, nil, true, err
		}
	}

	incoming := original.Clone()
	isDelete := strings.EqualFold(incoming.ExtraValue(models.ExtraOperation), "d")

	// A manually re-enabled online price must never be considered stale.
	if incoming.ExtraValue(models.ExtraOnlinePriceEnabled) == "yes" && incoming.Original != nil {
		incoming.Original.LastUpdated = now
	}

	anyNewer := false
	for _, name := range models.SlotNames {
		in := incoming.Slot(name)
		if in == nil {
			continue
		}
		var cur *models.PriceDetail
		if current != nil {
			cur = current.Slot(name)
		}
		if in.NewerThan(cur) {
			anyNewer = true
			break
		}
	}

	if !anyNewer && !isDelete {
		log.Debug("No slot is newer than the stored record, ignoring update")
		r.recordAudit(ctx, incoming.Key, OutcomeIgnored, current)
		return OutcomeIgnored, nil, false, nil
	}

	combined := mergeRecords(current, incoming, now)

	if isDelete {
		return r.applyExplicitDelete(ctx, incoming.Key, current, now)
	}

	if combined.IsEmpty() {
		if current == nil {
			r.recordAudit(ctx, incoming.Key, OutcomeIgnored, nil)
			return OutcomeIgnored, nil, false, nil
		}
		if err := r.store.ConditionalDelete(ctx, current.Key, current.Version); err != nil {
			if errors.Is(err, pricerecord.ErrVersionConflict) {
				return OutcomeIgnored, nil, true, err
			}
			return OutcomeIgnored, nil, true, err
		}
		log.Info("All price slots lapsed, removed record")
		r.recordAudit(ctx, incoming.Key, OutcomeDeleted, nil)
		return OutcomeDeleted, nil, false, nil
	}

	combined.Version = now

	if current == nil {
		if err := r.store.Insert(ctx, combined); err != nil {
			if errors.Is(err, pricerecord.ErrDuplicateKey) {
				// A concurrent create won; re-delivery of the same data is a no-op.
				log.Debug("Record already created concurrently, ignoring")
				r.recordAudit(ctx, incoming.Key, OutcomeIgnored, nil)
				return OutcomeIgnored, nil, false, nil
			}
			return OutcomeIgnored, nil, true, err
		}
		r.recordAudit(ctx, incoming.Key, OutcomeCreated, combined)
		return OutcomeCreated, combined, false, nil
	}

	if err := r.store.ConditionalReplace(ctx, combined, current.Version); err != nil {
		return OutcomeIgnored, nil, true, err
	}
	r.recordAudit(ctx, incoming.Key, OutcomeUpdated, combined)
	return OutcomeUpdated, combined, false, nil
}

// applyExplicitDelete handles the operation="d" branch. The record is archived
// and removed, yet the caller still sees Ignored: an explicit delete reports
// "no price to publish", not a price change.
func (r *Reconciler) applyExplicitDelete(ctx context.Context, key models.PriceKey, current *models.PriceRecord, now time.Time) (Outcome, *models.PriceRecord, bool, error) {
	if current == nil || current.IsEmpty() {
		r.recordAudit(ctx, key, OutcomeIgnored, nil)
		return OutcomeIgnored, nil, false, nil
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"key": key.String()})

	if err := r.snapshots.Archive(ctx, models.SnapshotOf(current, now)); err != nil {
		return OutcomeIgnored, nil, true, err
	}

	if err := r.store.ConditionalDelete(ctx, current.Key, current.Version); err != nil {
		return OutcomeIgnored, nil, true, err
	}

	log.Info("Explicitly deleted price record")
	r.recordAudit(ctx, current.Key, OutcomeDeleted, nil)
	return OutcomeIgnored, nil, false, nil
}

func (r *Reconciler) recordAudit(ctx context.Context, key models.PriceKey, outcome Outcome, record *models.PriceRecord) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordMergeDecision(ctx, key, string(outcome), record); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to record merge decision")
	}
}

// mergeRecords combines current and incoming per slot: an incoming slot wins
// only when strictly newer or current has none. Slots whose window closed
// before now lapse from the result.
func mergeRecords(current, incoming *models.PriceRecord, now time.Time) *models.PriceRecord {
	combined := &models.PriceRecord{
		Key:        incoming.Key,
		VatRate:    incoming.VatRate,
		ObservedAt: incoming.ObservedAt,
		Extra:      incoming.Extra,
	}
	if combined.ObservedAt.IsZero() {
		combined.ObservedAt = now
	}
	if combined.Extra == nil && current != nil {
		combined.Extra = current.Extra
	}

	for _, name := range models.SlotNames {
		in := incoming.Slot(name)
		var cur *models.PriceDetail
		if current != nil {
			cur = current.Slot(name)
		}

		var winner *models.PriceDetail
		if in.NewerThan(cur) {
			winner = in.Clone()
		} else {
			winner = cur.Clone()
		}
		if winner.ExpiredAt(now) {
			winner = nil
		}
		combined.SetSlot(name, winner)
	}

	// A Sale arriving without its own Promotion while an old Promotion is
	// still carried over would undercut the new Sale. Mirror the Sale into a
	// short-lived Promotion instead.
	if incoming.Sale != nil && incoming.Promotion == nil && combined.Promotion != nil {
		validTo := now.Add(promotionWindow)
		validFrom := now
		combined.Promotion = &models.PriceDetail{
			AmountIncVat: incoming.Sale.AmountIncVat,
			AmountExVat:  incoming.Sale.AmountExVat,
			ValidFrom:    &validFrom,
			ValidTo:      &validTo,
			LastUpdated:  incoming.Sale.LastUpdated,
		}
	}

	return combined
}
