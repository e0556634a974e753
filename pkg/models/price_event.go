package models

import "time"

// PriceFields is one published price on the outbound event
type PriceFields struct {
	AmountIncVat float64    `json:"amountIncVat"`
	AmountExVat  float64    `json:"amountExVat"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidTo      *time.Time `json:"validTo,omitempty"`
}

// PriceEventDetails carries the consolidated normal and optional special price
type PriceEventDetails struct {
	Price        *PriceFields `json:"price,omitempty"`
	SpecialPrice *PriceFields `json:"specialPrice,omitempty"`
	VatRate      float64      `json:"vatRate"`
}

// PriceEvent is the outbound consolidated change event, keyed by the
// channel-scoped price key on publish
type PriceEvent struct {
	Channel   string            `json:"channel,omitempty"`
	Store     string            `json:"store"`
	SKU       string            `json:"sku"`
	Details   PriceEventDetails `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Key returns the publish key for the event
func (e *PriceEvent) Key() PriceKey {
	return PriceKey{Channel: e.Channel, Store: e.Store, SKU: e.SKU}
}

// FieldsOf projects a price detail onto the event wire shape
func FieldsOf(d *PriceDetail) *PriceFields {
	if d == nil {
		return nil
	}
	f := &PriceFields{
		AmountIncVat: d.AmountIncVat,
		AmountExVat:  d.AmountExVat,
	}
	if d.ValidFrom != nil {
		vf := *d.ValidFrom
		f.ValidFrom = &vf
	}
	if d.ValidTo != nil {
		vt := *d.ValidTo
		f.ValidTo = &vt
	}
	return f
}
