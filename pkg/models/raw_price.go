package models

import (
	"strings"
	"time"
)

// RawPriceEventType is the only event type the import pipeline accepts
const RawPriceEventType = "price.raw"

// ExtraOperation marks the operation hint in the extra map; "d" is a delete
const ExtraOperation = "operation"

// ExtraOnlinePriceEnabled forces the Original slot to win the staleness test
const ExtraOnlinePriceEnabled = "online_price_enabled"

// RawPriceDetail is one price slot as it arrives on the wire
type RawPriceDetail struct {
	AmountIncVat float64    `json:"amountIncVat"`
	AmountExVat  float64    `json:"amountExVat"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidTo      *time.Time `json:"validTo,omitempty"`
	LastUpdated  time.Time  `json:"lastUpdated"`
}

// RawPrice is the inbound message envelope for a raw price update
type RawPrice struct {
	SchemaVersion string            `json:"schemaVersion" validate:"required"`
	EventType     string            `json:"eventType" validate:"required,eq=price.raw"`
	Channel       string            `json:"channel,omitempty"`
	Store         string            `json:"store" validate:"required"`
	SKU           string            `json:"sku" validate:"required"`
	VatRate       *float64          `json:"vatRate,omitempty"`
	Original      *RawPriceDetail   `json:"original,omitempty"`
	Sale          *RawPriceDetail   `json:"sale,omitempty"`
	Promotion     *RawPriceDetail   `json:"promotion,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Key returns the price key the message addresses
func (r *RawPrice) Key() PriceKey {
	return PriceKey{Channel: r.Channel, Store: r.Store, SKU: r.SKU}
}

// IsDelete reports whether the extra operation hint requests a delete
func (r *RawPrice) IsDelete() bool {
	return strings.EqualFold(r.Extra[ExtraOperation], "d")
}

// HasPrices reports whether any of the three slots carries an amount
func (r *RawPrice) HasPrices() bool {
	return r.Original != nil || r.Sale != nil || r.Promotion != nil
}

func (d *RawPriceDetail) toDetail() *PriceDetail {
	if d == nil {
		return nil
	}
	detail := &PriceDetail{
		AmountIncVat: d.AmountIncVat,
		AmountExVat:  d.AmountExVat,
		LastUpdated:  d.LastUpdated,
	}
	if d.ValidFrom != nil {
		vf := *d.ValidFrom
		detail.ValidFrom = &vf
	}
	if d.ValidTo != nil {
		vt := *d.ValidTo
		detail.ValidTo = &vt
	}
	return detail
}

// ToRecord maps the envelope into the internal record shape, applying
// defaultVat when the message carries no rate. Slot timestamps missing from
// the wire fall back to the envelope timestamp.
func (r *RawPrice) ToRecord(defaultVat float64) *PriceRecord {
	rec := &PriceRecord{
		Key:        r.Key(),
		VatRate:    defaultVat,
		Original:   r.Original.toDetail(),
		Sale:       r.Sale.toDetail(),
		Promotion:  r.Promotion.toDetail(),
		ObservedAt: r.Timestamp,
		Extra:      r.Extra,
	}
	if r.VatRate != nil {
		rec.VatRate = *r.VatRate
	}
	for _, name := range SlotNames {
		if d := rec.Slot(name); d != nil && d.LastUpdated.IsZero() {
			d.LastUpdated = r.Timestamp
		}
	}
	return rec
}
