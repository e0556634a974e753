package models

import "time"

// DeletedSnapshot archives the final field values of a price record removed by
// an explicit delete instruction. The archive is append-only.
type DeletedSnapshot struct {
	ID        string            `json:"id" db:"id"`
	Channel   string            `json:"channel,omitempty" db:"channel"`
	Store     string            `json:"store" db:"store"`
	SKU       string            `json:"sku" db:"sku"`
	VatRate   float64           `json:"vat_rate" db:"vat_rate"`
	Original  *PriceDetail      `json:"original,omitempty"`
	Sale      *PriceDetail      `json:"sale,omitempty"`
	Promotion *PriceDetail      `json:"promotion,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	DeletedAt time.Time         `json:"deleted_at" db:"deleted_at"`
}

// SnapshotOf builds the archive entry for a record at deletion time
func SnapshotOf(rec *PriceRecord, deletedAt time.Time) *DeletedSnapshot {
	return &DeletedSnapshot{
		Channel:   rec.Key.Channel,
		Store:     rec.Key.Store,
		SKU:       rec.Key.SKU,
		VatRate:   rec.VatRate,
		Original:  rec.Original.Clone(),
		Sale:      rec.Sale.Clone(),
		Promotion: rec.Promotion.Clone(),
		Extra:     rec.Extra,
		DeletedAt: deletedAt,
	}
}
