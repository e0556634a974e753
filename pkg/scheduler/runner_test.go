package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

// inlineDispatcher runs submitted jobs synchronously on the caller
type inlineDispatcher struct{}

func (d *inlineDispatcher) SubmitWithTimeout(ctx context.Context, name string, fn func(ctx context.Context) error, timeout time.Duration) error {
	return fn(ctx)
}

func (d *inlineDispatcher) Workers() int { return 2 }

type recordingHandler struct {
	mu      sync.Mutex
	records []*models.PriceRecord
	failFor map[string]error
}

func (h *recordingHandler) HandleRecord(ctx context.Context, record *models.PriceRecord, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failFor[record.Key.SKU]; ok {
		return err
	}
	h.records = append(h.records, record)
	return nil
}

func pendingTransition(sku string, status models.TransitionStatus, from, to *time.Time) *models.Transition {
	return &models.Transition{
		ID:        "t-" + sku,
		Store:     "s1",
		SKU:       sku,
		ValidFrom: from,
		ValidTo:   to,
		Payload: models.TransitionPayload{
			VatRate: 0.25,
			Sale:    &models.PriceDetail{AmountIncVat: 80, ValidFrom: from, ValidTo: to, LastUpdated: time.Now().UTC()},
		},
		Status: status,
	}
}

func TestRunnerCycle(t *testing.T) {
	now := time.Now().UTC()
	from := now.Add(-time.Minute)
	to := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	t.Run("due transitions dispatch and advance", func(t *testing.T) {
		store := &fakeTransitionStore{
			dueStarts: []*models.Transition{pendingTransition("sku1", models.TransitionPendingStart, &from, &to)},
			dueEnds:   []*models.Transition{pendingTransition("sku2", models.TransitionPendingEnd, &past, &past)},
		}
		handler := &recordingHandler{}
		r := NewRunner(store, &inlineDispatcher{}, handler, Config{}, nil, testLogger())

		r.runCycle(context.Background())

		require.Len(t, handler.records, 2)
		assert.Len(t, store.advanced, 2)
	})

	t.Run("failed dispatch is not advanced", func(t *testing.T) {
		store := &fakeTransitionStore{
			dueStarts: []*models.Transition{
				pendingTransition("sku1", models.TransitionPendingStart, &from, &to),
				pendingTransition("sku2", models.TransitionPendingStart, &from, &to),
			},
		}
		handler := &recordingHandler{failFor: map[string]error{"sku1": errors.New("merge failed")}}
		r := NewRunner(store, &inlineDispatcher{}, handler, Config{}, nil, testLogger())

		r.runCycle(context.Background())

		require.Len(t, store.advanced, 1)
		assert.Equal(t, "sku2", store.advanced[0].SKU)
	})

	t.Run("nothing due advances nothing", func(t *testing.T) {
		store := &fakeTransitionStore{}
		handler := &recordingHandler{}
		r := NewRunner(store, &inlineDispatcher{}, handler, Config{}, nil, testLogger())

		r.runCycle(context.Background())

		assert.Empty(t, handler.records)
		assert.Empty(t, store.advanced)
	})

	t.Run("dispatched record carries the payload slots", func(t *testing.T) {
		store := &fakeTransitionStore{
			dueStarts: []*models.Transition{pendingTransition("sku1", models.TransitionPendingStart, &from, &to)},
		}
		handler := &recordingHandler{}
		r := NewRunner(store, &inlineDispatcher{}, handler, Config{}, nil, testLogger())

		r.runCycle(context.Background())

		require.Len(t, handler.records, 1)
		rec := handler.records[0]
		assert.Equal(t, models.PriceKey{Store: "s1", SKU: "sku1"}, rec.Key)
		assert.Equal(t, 0.25, rec.VatRate)
		require.NotNil(t, rec.Sale)
		assert.Equal(t, 80.0, rec.Sale.AmountIncVat)
		assert.Nil(t, rec.Original)
	})

	t.Run("payload slots are stamped with the boundary time", func(t *testing.T) {
		stale := now.Add(-time.Hour)
		tr := pendingTransition("sku1", models.TransitionPendingStart, &from, &to)
		tr.Payload.Sale.LastUpdated = stale

		store := &fakeTransitionStore{dueStarts: []*models.Transition{tr}}
		handler := &recordingHandler{}
		r := NewRunner(store, &inlineDispatcher{}, handler, Config{}, nil, testLogger())

		r.runCycle(context.Background())

		// The payload echoes the merged record, so replaying it with its
		// extraction-time timestamp would always be stale. The stamp makes
		// the boundary the latest update for every carried slot.
		require.Len(t, handler.records, 1)
		rec := handler.records[0]
		require.NotNil(t, rec.Sale)
		assert.True(t, rec.Sale.LastUpdated.After(stale))
		assert.Equal(t, rec.ObservedAt, rec.Sale.LastUpdated)
		assert.Equal(t, stale, tr.Payload.Sale.LastUpdated)
	})
}

func TestRunnerStartStop(t *testing.T) {
	store := &fakeTransitionStore{}
	r := NewRunner(store, &inlineDispatcher{}, &recordingHandler{}, Config{PollInterval: time.Hour}, nil, testLogger())

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.True(t, r.IsRunning())
	assert.ErrorIs(t, r.Start(ctx), ErrRunnerAlreadyRunning)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.False(t, r.IsRunning())
}
