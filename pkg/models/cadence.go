package models

import "time"

// LayerID is a notification category (1..5). Cadence cooldowns are scoped
// per layer, so a send in one layer never blocks a send in another.
type LayerID int

const (
	LayerMin LayerID = 1
	LayerMax LayerID = 5
)

// Valid reports whether the layer is inside the supported range.
func (l LayerID) Valid() bool {
	return l >= LayerMin && l <= LayerMax
}

// CadenceRecord is the historical fact of a user's most recent send in a
// layer. Records are append-only; SendEventID deduplicates retried writes for
// the same (user, layer, send event).
type CadenceRecord struct {
	UserID      string    `json:"user_id"`
	LayerID     LayerID   `json:"layer_id"`
	SentAt      time.Time `json:"sent_at"`
	SendEventID string    `json:"send_event_id"`
}

// CadencePolicy is configuration: cooldown per layer plus the fail-closed
// toggle for layers where send-frequency precision outweighs availability.
type CadencePolicy struct {
	Cooldowns  map[LayerID]time.Duration `json:"cooldowns"`
	FailClosed map[LayerID]bool          `json:"fail_closed,omitempty"`
}

// DefaultCadencePolicy mirrors the cooling windows the audience scripts used:
// tighter for high-intent activity layers, a week for broad campaign layers.
func DefaultCadencePolicy() CadencePolicy {
	return CadencePolicy{
		Cooldowns: map[LayerID]time.Duration{
			1: 14 * 24 * time.Hour,
			2: 7 * 24 * time.Hour,
			3: 7 * 24 * time.Hour,
			4: 72 * time.Hour,
			5: 24 * time.Hour,
		},
	}
}

// Cooldown returns the configured window for the layer, zero if unset.
func (p CadencePolicy) Cooldown(layer LayerID) time.Duration {
	return p.Cooldowns[layer]
}

// FailsClosed reports whether filter faults should block sends for the layer.
func (p CadencePolicy) FailsClosed(layer LayerID) bool {
	return p.FailClosed[layer]
}
