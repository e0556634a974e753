package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/repositories/pricerecord"
	"github.com/Ramsey-B/clover/internal/repositories/transition"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/reconciler"
	"github.com/Ramsey-B/clover/pkg/scheduler"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]*models.PriceRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*models.PriceRecord)}
}

func (s *memoryStore) put(rec *models.PriceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key.String()] = rec
}

func (s *memoryStore) Find(ctx context.Context, key models.PriceKey) (*models.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	if !ok {
		return nil, pricerecord.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memoryStore) FindMany(ctx context.Context, keys []models.PriceKey) ([]*models.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PriceRecord
	for _, key := range keys {
		if rec, ok := s.records[key.String()]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *memoryStore) Insert(ctx context.Context, rec *models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key.String()]; ok {
		return pricerecord.ErrDuplicateKey
	}
	s.records[rec.Key.String()] = rec.Clone()
	return nil
}

func (s *memoryStore) ConditionalReplace(ctx context.Context, rec *models.PriceRecord, matchVersion time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.Key.String()]
	if !ok || !current.Version.Equal(matchVersion) {
		return pricerecord.ErrVersionConflict
	}
	s.records[rec.Key.String()] = rec.Clone()
	return nil
}

func (s *memoryStore) ConditionalDelete(ctx context.Context, key models.PriceKey, matchVersion time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[key.String()]
	if !ok || !current.Version.Equal(matchVersion) {
		return pricerecord.ErrVersionConflict
	}
	delete(s.records, key.String())
	return nil
}

type memorySnapshots struct{}

func (s *memorySnapshots) Archive(ctx context.Context, snap *models.DeletedSnapshot) error {
	return nil
}

func (s *memorySnapshots) ListByKey(ctx context.Context, key models.PriceKey, limit int) ([]*models.DeletedSnapshot, error) {
	return nil, nil
}

type memoryTransitions struct {
	mu        sync.Mutex
	replaced  []*models.Transition
	dueStarts []*models.Transition
	dueEnds   []*models.Transition
	advanced  []*models.Transition
}

func (s *memoryTransitions) ReplaceForArticle(ctx context.Context, t *models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *memoryTransitions) DeleteForArticle(ctx context.Context, key models.PriceKey) error {
	return nil
}

func (s *memoryTransitions) DueStarts(ctx context.Context, cutoff time.Time) (transition.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &transitionCursor{items: s.dueStarts}, nil
}

func (s *memoryTransitions) DueEnds(ctx context.Context, cutoff time.Time) (transition.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &transitionCursor{items: s.dueEnds}, nil
}

func (s *memoryTransitions) Advance(ctx context.Context, transitions []*models.Transition, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanced = append(s.advanced, transitions...)
	return len(transitions), nil
}

func (s *memoryTransitions) advancedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.advanced)
}

type transitionCursor struct {
	items []*models.Transition
	pos   int
}

func (c *transitionCursor) Next() (*models.Transition, error) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	t := c.items[c.pos]
	c.pos++
	return t, nil
}

func (c *transitionCursor) Close() error { return nil }

type capturingPublisher struct {
	mu     sync.Mutex
	events []*models.PriceEvent
}

func (p *capturingPublisher) PublishPriceEvent(ctx context.Context, event *models.PriceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) all() []*models.PriceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.PriceEvent(nil), p.events...)
}

type orchestratorFixture struct {
	store       *memoryStore
	transitions *memoryTransitions
	publisher   *capturingPublisher
	orch        *Orchestrator
}

func newFixture(broadcast map[string]string) *orchestratorFixture {
	logger := testLogger()
	store := newMemoryStore()
	transitions := &memoryTransitions{}
	publisher := &capturingPublisher{}

	rec := reconciler.New(store, &memorySnapshots{}, nil, nil, logger, 0)
	extractor := scheduler.NewExtractor(transitions, logger)
	orch := NewOrchestrator(rec, store, extractor, publisher, broadcast, 0.25, logger)

	return &orchestratorFixture{
		store:       store,
		transitions: transitions,
		publisher:   publisher,
		orch:        orch,
	}
}

func detail(amount float64, updated time.Time) *models.PriceDetail {
	return &models.PriceDetail{AmountIncVat: amount, AmountExVat: amount * 0.8, LastUpdated: updated}
}

func TestBuildOutboundEvent(t *testing.T) {
	key := models.PriceKey{Channel: "web", Store: "s1", SKU: "sku1"}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("base normal with channel sale as special", func(t *testing.T) {
		base := &models.PriceRecord{Key: key.BaseKey(), VatRate: 0.25, ObservedAt: ts, Original: detail(100, ts)}
		channel := &models.PriceRecord{Key: key, VatRate: 0.25, ObservedAt: ts, Sale: detail(107, ts)}

		event := BuildOutboundEvent(key, base, channel)
		require.NotNil(t, event)
		assert.Equal(t, 100.0, event.Details.Price.AmountIncVat)
		require.NotNil(t, event.Details.SpecialPrice)
		assert.Equal(t, 107.0, event.Details.SpecialPrice.AmountIncVat)
	})

	t.Run("richer base supplies normal, channel original becomes special", func(t *testing.T) {
		base := &models.PriceRecord{
			Key: key.BaseKey(), VatRate: 0.25, ObservedAt: ts,
			Original:  detail(100, ts),
			Sale:      detail(80, ts),
			Promotion: detail(70, ts),
		}
		channel := &models.PriceRecord{Key: key, VatRate: 0.25, ObservedAt: ts, Original: detail(95, ts)}

		event := BuildOutboundEvent(key, base, channel)
		require.NotNil(t, event)
		assert.Equal(t, 100.0, event.Details.Price.AmountIncVat)
		require.NotNil(t, event.Details.SpecialPrice)
		assert.Equal(t, 95.0, event.Details.SpecialPrice.AmountIncVat)
	})

	t.Run("channel special at or above its own normal replaces it", func(t *testing.T) {
		base := &models.PriceRecord{Key: key.BaseKey(), VatRate: 0.25, ObservedAt: ts, Original: detail(85, ts)}
		channel := &models.PriceRecord{
			Key: key, VatRate: 0.25, ObservedAt: ts,
			Original: detail(95, ts),
			Sale:     detail(100, ts),
		}

		event := BuildOutboundEvent(key, base, channel)
		require.NotNil(t, event)
		assert.Equal(t, 100.0, event.Details.Price.AmountIncVat)
		assert.Nil(t, event.Details.SpecialPrice)
	})

	t.Run("lone special is promoted to normal", func(t *testing.T) {
		channel := &models.PriceRecord{Key: key, VatRate: 0.25, ObservedAt: ts, Sale: detail(80, ts)}

		event := BuildOutboundEvent(key, nil, channel)
		require.NotNil(t, event)
		assert.Equal(t, 80.0, event.Details.Price.AmountIncVat)
		assert.Nil(t, event.Details.SpecialPrice)
	})

	t.Run("no price on either side yields no event", func(t *testing.T) {
		assert.Nil(t, BuildOutboundEvent(key, nil, nil))
		assert.Nil(t, BuildOutboundEvent(key, &models.PriceRecord{Key: key.BaseKey()}, nil))
	})

	t.Run("event carries the special's source metadata", func(t *testing.T) {
		later := ts.Add(time.Hour)
		base := &models.PriceRecord{Key: key.BaseKey(), VatRate: 0.25, ObservedAt: ts, Original: detail(100, ts)}
		channel := &models.PriceRecord{
			Key: key, VatRate: 0.12, ObservedAt: later,
			Sale:  detail(90, later),
			Extra: map[string]string{"source": "campaign"},
		}

		event := BuildOutboundEvent(key, base, channel)
		require.NotNil(t, event)
		assert.Equal(t, 0.12, event.Details.VatRate)
		assert.Equal(t, later, event.Timestamp)
		assert.Equal(t, "campaign", event.Extra["source"])
	})
}

func TestHandleRaw(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no prices and no delete acknowledges without merge", func(t *testing.T) {
		f := newFixture(nil)

		raw := &models.RawPrice{
			SchemaVersion: "1.0",
			EventType:     models.RawPriceEventType,
			Store:         "s1",
			SKU:           "sku1",
			Timestamp:     now,
		}

		require.NoError(t, f.orch.HandleRaw(ctx, raw, now))
		assert.Empty(t, f.publisher.events)
		assert.Empty(t, f.store.records)
	})

	t.Run("priced update merges and publishes", func(t *testing.T) {
		f := newFixture(nil)

		raw := &models.RawPrice{
			SchemaVersion: "1.0",
			EventType:     models.RawPriceEventType,
			Store:         "s1",
			SKU:           "sku1",
			Timestamp:     now,
			Original:      &models.RawPriceDetail{AmountIncVat: 100, AmountExVat: 80, LastUpdated: now},
		}

		require.NoError(t, f.orch.HandleRaw(ctx, raw, now))
		require.Len(t, f.publisher.events, 1)
		assert.Equal(t, 100.0, f.publisher.events[0].Details.Price.AmountIncVat)
		assert.Equal(t, 0.25, f.publisher.events[0].Details.VatRate)
	})
}

func TestHandleRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	baseKey := models.PriceKey{Store: "s1", SKU: "sku1"}

	t.Run("ignored merge publishes nothing", func(t *testing.T) {
		f := newFixture(nil)

		rec := &models.PriceRecord{Key: baseKey, VatRate: 0.25, Original: detail(100, now)}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))
		require.Len(t, f.publisher.events, 1)

		// Same payload again: stale, so no second event.
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now.Add(time.Minute)))
		assert.Len(t, f.publisher.events, 1)
	})

	t.Run("base update resolves the broadcast channel counterpart", func(t *testing.T) {
		f := newFixture(map[string]string{"s1": "web"})

		f.store.put(&models.PriceRecord{
			Key:        baseKey.WithChannel("web"),
			VatRate:    0.25,
			Sale:       detail(90, now),
			Version:    now,
			ObservedAt: now,
		})

		rec := &models.PriceRecord{Key: baseKey, VatRate: 0.25, Original: detail(100, now)}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))

		require.Len(t, f.publisher.events, 1)
		event := f.publisher.events[0]
		assert.Equal(t, "web", event.Channel)
		assert.Equal(t, 100.0, event.Details.Price.AmountIncVat)
		require.NotNil(t, event.Details.SpecialPrice)
		assert.Equal(t, 90.0, event.Details.SpecialPrice.AmountIncVat)
	})

	t.Run("channel update resolves the base counterpart", func(t *testing.T) {
		f := newFixture(nil)

		f.store.put(&models.PriceRecord{
			Key:        baseKey,
			VatRate:    0.25,
			Original:   detail(100, now),
			Version:    now,
			ObservedAt: now,
		})

		rec := &models.PriceRecord{Key: baseKey.WithChannel("web"), VatRate: 0.25, Sale: detail(85, now)}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))

		require.Len(t, f.publisher.events, 1)
		event := f.publisher.events[0]
		assert.Equal(t, "web", event.Channel)
		assert.Equal(t, 100.0, event.Details.Price.AmountIncVat)
		require.NotNil(t, event.Details.SpecialPrice)
		assert.Equal(t, 85.0, event.Details.SpecialPrice.AmountIncVat)
	})

	t.Run("merged window derives a transition", func(t *testing.T) {
		f := newFixture(nil)

		from := now.Add(time.Hour)
		to := now.Add(2 * time.Hour)
		rec := &models.PriceRecord{
			Key:      baseKey,
			VatRate:  0.25,
			Original: detail(100, now),
			Sale: &models.PriceDetail{
				AmountIncVat: 80,
				ValidFrom:    &from,
				ValidTo:      &to,
				LastUpdated:  now,
			},
		}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))

		require.Len(t, f.transitions.replaced, 1)
		assert.Equal(t, models.TransitionPendingStart, f.transitions.replaced[0].Status)
	})

	t.Run("channel update never schedules", func(t *testing.T) {
		f := newFixture(nil)

		from := now.Add(time.Hour)
		rec := &models.PriceRecord{
			Key:     baseKey.WithChannel("web"),
			VatRate: 0.25,
			Original: &models.PriceDetail{
				AmountIncVat: 100,
				ValidFrom:    &from,
				LastUpdated:  now,
			},
		}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))
		assert.Empty(t, f.transitions.replaced)
	})
}
