package models

import (
	"time"
)

// SlotName identifies one of the three price slots on a record
type SlotName string

const (
	// SlotOriginal is the regular shelf price
	SlotOriginal SlotName = "original"
	// SlotSale is a discounted price window
	SlotSale SlotName = "sale"
	// SlotPromotion is a short-lived promotional price window
	SlotPromotion SlotName = "promotion"
)

// SlotNames lists the three slots in merge order
var SlotNames = [3]SlotName{SlotOriginal, SlotSale, SlotPromotion}

// PriceKey identifies a price record. Channel is empty for the base (retail)
// record; channel-specific records carry the channel identifier.
type PriceKey struct {
	Channel string `json:"channel,omitempty" db:"channel"`
	Store   string `json:"store" db:"store"`
	SKU     string `json:"sku" db:"sku"`
}

// IsBase reports whether this key addresses the base retail record
func (k PriceKey) IsBase() bool {
	return k.Channel == ""
}

// BaseKey returns the base retail key for the same store and sku
func (k PriceKey) BaseKey() PriceKey {
	return PriceKey{Store: k.Store, SKU: k.SKU}
}

// WithChannel returns the channel-scoped key for the same store and sku
func (k PriceKey) WithChannel(channel string) PriceKey {
	return PriceKey{Channel: channel, Store: k.Store, SKU: k.SKU}
}

func (k PriceKey) String() string {
	return k.Channel + "|" + k.Store + "|" + k.SKU
}

// PriceDetail is a single price slot value with its validity window and
// the source timestamp used for staleness comparison
type PriceDetail struct {
	AmountIncVat float64    `json:"amount_inc_vat" db:"amount_inc_vat"`
	AmountExVat  float64    `json:"amount_ex_vat" db:"amount_ex_vat"`
	ValidFrom    *time.Time `json:"valid_from,omitempty" db:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty" db:"valid_to"`
	LastUpdated  time.Time  `json:"last_updated" db:"last_updated"`
}

// Clone returns a deep copy of the detail
func (d *PriceDetail) Clone() *PriceDetail {
	if d == nil {
		return nil
	}
	cp := *d
	if d.ValidFrom != nil {
		vf := *d.ValidFrom
		cp.ValidFrom = &vf
	}
	if d.ValidTo != nil {
		vt := *d.ValidTo
		cp.ValidTo = &vt
	}
	return &cp
}

// NewerThan reports whether this detail carries a strictly newer source
// timestamp than other. Equal timestamps are not newer; a nil other always is.
func (d *PriceDetail) NewerThan(other *PriceDetail) bool {
	if d == nil {
		return false
	}
	if other == nil {
		return true
	}
	return d.LastUpdated.After(other.LastUpdated)
}

// ExpiredAt reports whether the validity window closed before now
func (d *PriceDetail) ExpiredAt(now time.Time) bool {
	if d == nil || d.ValidTo == nil {
		return false
	}
	return d.ValidTo.Before(now)
}

// PriceRecord is the consolidated price document for one key. Version is the
// optimistic-concurrency token: the merge clock value at the last write.
type PriceRecord struct {
	Key        PriceKey          `json:"key"`
	VatRate    float64           `json:"vat_rate" db:"vat_rate"`
	Original   *PriceDetail      `json:"original,omitempty"`
	Sale       *PriceDetail      `json:"sale,omitempty"`
	Promotion  *PriceDetail      `json:"promotion,omitempty"`
	ObservedAt time.Time         `json:"observed_at" db:"observed_at"`
	Version    time.Time         `json:"version" db:"version"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Slot returns the named slot. Unknown names return nil.
func (r *PriceRecord) Slot(name SlotName) *PriceDetail {
	switch name {
	case SlotOriginal:
		return r.Original
	case SlotSale:
		return r.Sale
	case SlotPromotion:
		return r.Promotion
	}
	return nil
}

// SetSlot assigns the named slot
func (r *PriceRecord) SetSlot(name SlotName, d *PriceDetail) {
	switch name {
	case SlotOriginal:
		r.Original = d
	case SlotSale:
		r.Sale = d
	case SlotPromotion:
		r.Promotion = d
	}
}

// Slots returns the fixed three-slot view in merge order
func (r *PriceRecord) Slots() [3]*PriceDetail {
	return [3]*PriceDetail{r.Original, r.Sale, r.Promotion}
}

// IsEmpty reports whether no slot holds a price
func (r *PriceRecord) IsEmpty() bool {
	return r.Original == nil && r.Sale == nil && r.Promotion == nil
}

// PopulatedSlotCount returns how many slots hold a price
func (r *PriceRecord) PopulatedSlotCount() int {
	count := 0
	for _, d := range r.Slots() {
		if d != nil {
			count++
		}
	}
	return count
}

// Clone returns a deep copy of the record
func (r *PriceRecord) Clone() *PriceRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Original = r.Original.Clone()
	cp.Sale = r.Sale.Clone()
	cp.Promotion = r.Promotion.Clone()
	if r.Extra != nil {
		cp.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// ExtraValue returns the named extra-data value, or empty when absent
func (r *PriceRecord) ExtraValue(key string) string {
	if r.Extra == nil {
		return ""
	}
	return r.Extra[key]
}
