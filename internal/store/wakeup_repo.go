// Package store provides the WakeupRepo interface and model for durable
// per-item wake-ups that replace in-memory timers.
package store

import (
	"time"
)

// WakeupStatus represents the dispatch state of a wake-up.
type WakeupStatus string

const (
	WakeupStatusQueued      WakeupStatus = "queued"
	WakeupStatusDispatching WakeupStatus = "dispatching"
)

// Wakeup is the single durable wake-up entry for an active scheduled item.
// It stores only the next occurrence; the value is recomputed from the
// recurrence rule on every firing or mutation, never trusted stale.
type Wakeup struct {
	ItemID       string       `json:"item_id"`
	FireAt       time.Time    `json:"fire_at"`       // UTC instant the dispatcher acts on
	OccurrenceAt time.Time    `json:"occurrence_at"` // logical occurrence instant (UTC)
	Status       WakeupStatus `json:"status"`
	ClaimedAt    *time.Time   `json:"claimed_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// WakeupRepo defines the interface for durable wake-up persistence.
// There is at most one wake-up per item; ReplaceWakeup swaps it atomically so
// there is never a window with both an old and a new entry live.
type WakeupRepo interface {
	// ReplaceWakeup inserts or atomically replaces the wake-up for an item.
	ReplaceWakeup(w Wakeup) error

	// RemoveWakeup deletes the wake-up for an item, if any.
	RemoveWakeup(itemID string) error

	// GetWakeup retrieves the wake-up for an item. Returns (nil, nil) if absent.
	GetWakeup(itemID string) (*Wakeup, error)

	// ListWakeups returns all wake-ups, ordered by fire time.
	ListWakeups() ([]Wakeup, error)

	// ClaimDueWakeups atomically claims up to limit queued wake-ups whose
	// fire_at <= now, marking them dispatching. Each returned wake-up is
	// owned exclusively by the caller until replaced, removed, or requeued
	// as stale.
	ClaimDueWakeups(now time.Time, limit int) ([]Wakeup, error)

	// RequeueStaleWakeups resets wake-ups stuck in dispatching since before
	// staleBefore back to queued (crash recovery). Returns the count reset.
	// now stamps updated_at on the reset rows.
	RequeueStaleWakeups(now, staleBefore time.Time) (int, error)
}
