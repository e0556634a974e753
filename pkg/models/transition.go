package models

import (
	"encoding/json"
	"time"
)

// TransitionStatus is the schedule execution state
type TransitionStatus string

const (
	// TransitionPendingStart waits for the window's opening boundary
	TransitionPendingStart TransitionStatus = "pending_start"
	// TransitionPendingEnd waits for the window's closing boundary
	TransitionPendingEnd TransitionStatus = "pending_end"
)

// TransitionPayload holds the slot values that re-enter the merge pipeline
// when a transition boundary fires
type TransitionPayload struct {
	VatRate   float64      `json:"vat_rate"`
	Original  *PriceDetail `json:"original,omitempty"`
	Sale      *PriceDetail `json:"sale,omitempty"`
	Promotion *PriceDetail `json:"promotion,omitempty"`
}

// Transition is a stored deferred price change for one article. At most one
// live transition exists per (channel, store, sku); deriving a new one
// replaces the prior entry.
type Transition struct {
	ID        string            `json:"id" db:"id"`
	Channel   string            `json:"channel,omitempty" db:"channel"`
	Store     string            `json:"store" db:"store"`
	SKU       string            `json:"sku" db:"sku"`
	ValidFrom *time.Time        `json:"valid_from,omitempty" db:"valid_from"`
	ValidTo   *time.Time        `json:"valid_to,omitempty" db:"valid_to"`
	Payload   TransitionPayload `json:"payload"`
	Status    TransitionStatus  `json:"status" db:"status"`
	Version   time.Time         `json:"version" db:"version"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Key returns the price key the transition belongs to
func (t *Transition) Key() PriceKey {
	return PriceKey{Channel: t.Channel, Store: t.Store, SKU: t.SKU}
}

// MarshalPayload encodes the transition payload for storage
func (t *Transition) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(t.Payload)
}

// UnmarshalPayload decodes a stored payload into the transition
func (t *Transition) UnmarshalPayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &t.Payload)
}
