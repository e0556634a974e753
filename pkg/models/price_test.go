package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceKey(t *testing.T) {
	t.Run("base key has no channel", func(t *testing.T) {
		key := PriceKey{Store: "s1", SKU: "sku1"}
		assert.True(t, key.IsBase())
		assert.Equal(t, "|s1|sku1", key.String())
	})

	t.Run("channel key is not base", func(t *testing.T) {
		key := PriceKey{Channel: "web", Store: "s1", SKU: "sku1"}
		assert.False(t, key.IsBase())
		assert.Equal(t, "web|s1|sku1", key.String())
	})

	t.Run("base key of a channel key clears the channel", func(t *testing.T) {
		key := PriceKey{Channel: "web", Store: "s1", SKU: "sku1"}
		assert.Equal(t, PriceKey{Store: "s1", SKU: "sku1"}, key.BaseKey())
	})

	t.Run("with channel scopes a base key", func(t *testing.T) {
		key := PriceKey{Store: "s1", SKU: "sku1"}
		assert.Equal(t, PriceKey{Channel: "web", Store: "s1", SKU: "sku1"}, key.WithChannel("web"))
	})
}

func TestPriceDetailNewerThan(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		detail   *PriceDetail
		other    *PriceDetail
		expected bool
	}{
		{
			name:     "nil detail is never newer",
			detail:   nil,
			other:    &PriceDetail{LastUpdated: base},
			expected: false,
		},
		{
			name:     "any detail is newer than nothing",
			detail:   &PriceDetail{LastUpdated: base},
			other:    nil,
			expected: true,
		},
		{
			name:     "later timestamp is newer",
			detail:   &PriceDetail{LastUpdated: base.Add(time.Second)},
			other:    &PriceDetail{LastUpdated: base},
			expected: true,
		},
		{
			name:     "sub-millisecond later is still newer",
			detail:   &PriceDetail{LastUpdated: base.Add(time.Microsecond)},
			other:    &PriceDetail{LastUpdated: base},
			expected: true,
		},
		{
			name:     "equal timestamp is not newer",
			detail:   &PriceDetail{LastUpdated: base},
			other:    &PriceDetail{LastUpdated: base},
			expected: false,
		},
		{
			name:     "earlier timestamp is not newer",
			detail:   &PriceDetail{LastUpdated: base.Add(-time.Second)},
			other:    &PriceDetail{LastUpdated: base},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.detail.NewerThan(tt.other))
		})
	}
}

func TestPriceDetailExpiredAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no validTo never expires", func(t *testing.T) {
		d := &PriceDetail{LastUpdated: now}
		assert.False(t, d.ExpiredAt(now))
	})

	t.Run("validTo in the past is expired", func(t *testing.T) {
		past := now.Add(-time.Hour)
		d := &PriceDetail{ValidTo: &past, LastUpdated: now}
		assert.True(t, d.ExpiredAt(now))
	})

	t.Run("validTo in the future is not expired", func(t *testing.T) {
		future := now.Add(time.Hour)
		d := &PriceDetail{ValidTo: &future, LastUpdated: now}
		assert.False(t, d.ExpiredAt(now))
	})
}

func TestPriceRecordSlots(t *testing.T) {
	rec := &PriceRecord{
		Key:      PriceKey{Store: "s1", SKU: "sku1"},
		Original: &PriceDetail{AmountIncVat: 100},
		Sale:     &PriceDetail{AmountIncVat: 80},
	}

	assert.Equal(t, 2, rec.PopulatedSlotCount())
	assert.False(t, rec.IsEmpty())
	assert.Same(t, rec.Original, rec.Slot(SlotOriginal))
	assert.Same(t, rec.Sale, rec.Slot(SlotSale))
	assert.Nil(t, rec.Slot(SlotPromotion))

	rec.SetSlot(SlotPromotion, &PriceDetail{AmountIncVat: 70})
	assert.Equal(t, 3, rec.PopulatedSlotCount())

	clone := rec.Clone()
	assert.Equal(t, rec.Key, clone.Key)
	assert.NotSame(t, rec.Original, clone.Original)
	assert.Equal(t, rec.Original.AmountIncVat, clone.Original.AmountIncVat)
}

func TestRawPriceToRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("default vat applied when none supplied", func(t *testing.T) {
		raw := &RawPrice{
			SchemaVersion: "1.0",
			EventType:     RawPriceEventType,
			Store:         "s1",
			SKU:           "sku1",
			Timestamp:     ts,
			Original:      &RawPriceDetail{AmountIncVat: 100, AmountExVat: 80, LastUpdated: ts},
		}

		rec := raw.ToRecord(0.25)
		assert.Equal(t, 0.25, rec.VatRate)
		assert.Equal(t, 100.0, rec.Original.AmountIncVat)
	})

	t.Run("supplied vat wins over default", func(t *testing.T) {
		vat := 0.12
		raw := &RawPrice{
			SchemaVersion: "1.0",
			EventType:     RawPriceEventType,
			Store:         "s1",
			SKU:           "sku1",
			VatRate:       &vat,
			Timestamp:     ts,
			Original:      &RawPriceDetail{AmountIncVat: 100, LastUpdated: ts},
		}

		rec := raw.ToRecord(0.25)
		assert.Equal(t, 0.12, rec.VatRate)
	})

	t.Run("missing slot timestamp falls back to envelope timestamp", func(t *testing.T) {
		raw := &RawPrice{
			SchemaVersion: "1.0",
			EventType:     RawPriceEventType,
			Store:         "s1",
			SKU:           "sku1",
			Timestamp:     ts,
			Sale:          &RawPriceDetail{AmountIncVat: 80},
		}

		rec := raw.ToRecord(0.25)
		assert.Equal(t, ts, rec.Sale.LastUpdated)
	})

	t.Run("delete operation detected case-insensitively", func(t *testing.T) {
		raw := &RawPrice{Extra: map[string]string{ExtraOperation: "D"}}
		assert.True(t, raw.IsDelete())
	})
}
