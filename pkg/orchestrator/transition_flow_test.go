package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/scheduler"
)

// runBoundaryCycle drives one runner cycle against the fixture and waits for
// the due transitions to be dispatched and advanced
func runBoundaryCycle(t *testing.T, f *orchestratorFixture) {
	t.Helper()

	runner := scheduler.NewRunner(f.transitions, startedPool(t, 2, time.Second), f.orch, scheduler.Config{
		PollInterval: time.Hour,
		AckTimeout:   5 * time.Second,
	}, nil, testLogger())

	require.NoError(t, runner.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, runner.Stop(stopCtx))
	}()

	require.Eventually(t, func() bool {
		return f.transitions.advancedCount() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransitionBoundaryFlow(t *testing.T) {
	ctx := context.Background()
	baseKey := models.PriceKey{Store: "s1", SKU: "sku1"}

	t.Run("opening boundary republishes the scheduled record", func(t *testing.T) {
		f := newFixture(nil)
		now := time.Now().UTC()
		old := now.Add(-time.Hour)

		from := now.Add(time.Hour)
		to := now.Add(2 * time.Hour)
		rec := &models.PriceRecord{
			Key:      baseKey,
			VatRate:  0.25,
			Original: detail(100, old),
			Sale: &models.PriceDetail{
				AmountIncVat: 80,
				AmountExVat:  64,
				ValidFrom:    &from,
				ValidTo:      &to,
				LastUpdated:  old,
			},
		}
		require.NoError(t, f.orch.HandleRecord(ctx, rec, now))
		require.Len(t, f.publisher.all(), 1)
		require.Len(t, f.transitions.replaced, 1)
		require.Equal(t, models.TransitionPendingStart, f.transitions.replaced[0].Status)

		// Replay the stored transition exactly as the runner would at the
		// window opening. The payload carries the merged record's own
		// timestamps, so the dispatch must still register as an update.
		f.transitions.dueStarts = []*models.Transition{f.transitions.replaced[0]}
		runBoundaryCycle(t, f)

		events := f.publisher.all()
		require.Len(t, events, 2)
		require.NotNil(t, events[1].Details.Price)
		assert.Equal(t, 100.0, events[1].Details.Price.AmountIncVat)
	})

	t.Run("closing boundary lapses the expired sale", func(t *testing.T) {
		f := newFixture(nil)
		now := time.Now().UTC()
		old := now.Add(-3 * time.Hour)

		from := now.Add(-2 * time.Hour)
		to := now.Add(-time.Hour)
		sale := &models.PriceDetail{
			AmountIncVat: 80,
			AmountExVat:  64,
			ValidFrom:    &from,
			ValidTo:      &to,
			LastUpdated:  old,
		}
		f.store.put(&models.PriceRecord{
			Key:        baseKey,
			VatRate:    0.25,
			Original:   detail(100, old),
			Sale:       sale,
			ObservedAt: old,
			Version:    old,
		})

		f.transitions.dueEnds = []*models.Transition{{
			ID:        "tr-" + baseKey.SKU,
			Store:     baseKey.Store,
			SKU:       baseKey.SKU,
			ValidFrom: &from,
			ValidTo:   &to,
			Payload: models.TransitionPayload{
				VatRate:  0.25,
				Original: detail(100, old),
				Sale:     sale.Clone(),
			},
			Status: models.TransitionPendingEnd,
		}}
		runBoundaryCycle(t, f)

		events := f.publisher.all()
		require.Len(t, events, 1)
		require.NotNil(t, events[0].Details.Price)
		assert.Equal(t, 100.0, events[0].Details.Price.AmountIncVat)
		assert.Nil(t, events[0].Details.SpecialPrice)

		stored, err := f.store.Find(ctx, baseKey)
		require.NoError(t, err)
		assert.Nil(t, stored.Sale)
		require.NotNil(t, stored.Original)
	})
}
