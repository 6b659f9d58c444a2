// Package models defines the core data structures for RemindKit.
//
// It includes scheduled items, delivery attempts, and channel endpoint
// descriptors, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ItemStatus represents the lifecycle state of a scheduled item.
type ItemStatus string

const (
	// ItemStatusActive items are eligible for dispatch.
	ItemStatusActive ItemStatus = "active"
	// ItemStatusSnoozed items fire once at snooze_until, then resume the rule cadence.
	ItemStatusSnoozed ItemStatus = "snoozed"
	// ItemStatusDone is terminal; set after a one-shot item fires or by the caller.
	ItemStatusDone ItemStatus = "done"
	// ItemStatusCancelled is terminal; items are never hard-deleted.
	ItemStatusCancelled ItemStatus = "cancelled"
)

// Validation constants for input validation
const (
	// MaxTitleLength defines the maximum allowed length for an item title
	MaxTitleLength = 512
	// LocalTimeLayout is the wall-clock layout for fire_at_local (no zone, no offset)
	LocalTimeLayout = "2006-01-02T15:04:05"
)

// Error variables for better error handling and testability
var (
	ErrEmptyOwner     = errors.New("owner id cannot be empty")
	ErrEmptyTitle     = errors.New("title cannot be empty")
	ErrTitleTooLong   = errors.New("title exceeds maximum length")
	ErrEmptyTimezone  = errors.New("timezone cannot be empty")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("idempotency key reused with a different fingerprint")
	ErrInvalidStatus  = errors.New("invalid status transition")
	ErrTerminalStatus = errors.New("item is in a terminal status")
)

// ValidationError describes a rejected input with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed on " + e.Field + ": " + e.Reason
}

// IsTerminal reports whether the status admits no further transitions.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusDone || s == ItemStatusCancelled
}

// IsValidItemStatus checks if the given status is supported.
func IsValidItemStatus(s ItemStatus) bool {
	switch s {
	case ItemStatusActive, ItemStatusSnoozed, ItemStatusDone, ItemStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits moving from s to next.
// active -> snoozed -> active; active -> done; active|snoozed -> cancelled.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case ItemStatusSnoozed:
		return s == ItemStatusActive
	case ItemStatusActive:
		return s == ItemStatusSnoozed
	case ItemStatusDone:
		return s == ItemStatusActive
	case ItemStatusCancelled:
		return s == ItemStatusActive || s == ItemStatusSnoozed
	default:
		return false
	}
}

// ScheduledItem represents a reminder or recurring calendar item.
//
// FireAtLocal is a wall-clock time without zone information; the concrete UTC
// fire instant is always recomputed from FireAtLocal + Timezone at the instant
// of use, so DST shifts are honored per occurrence.
type ScheduledItem struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Title          string     `json:"title"`
	FireAtLocal    string     `json:"fire_at_local"` // LocalTimeLayout
	Timezone       string     `json:"timezone"`      // IANA zone name
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	Status         ItemStatus `json:"status"`
	SnoozeUntil    *time.Time `json:"snooze_until,omitempty"`
	LinkedEventID  string     `json:"linked_event_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate performs basic field validation on a ScheduledItem.
// Rule and timezone semantics are validated by the recurrence engine.
func (i *ScheduledItem) Validate() error {
	if i.OwnerID == "" {
		return ErrEmptyOwner
	}
	if i.Title == "" {
		return ErrEmptyTitle
	}
	if len(i.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if i.Timezone == "" {
		return ErrEmptyTimezone
	}
	if _, err := time.Parse(LocalTimeLayout, i.FireAtLocal); err != nil {
		return &ValidationError{Field: "fire_at_local", Reason: "must match " + LocalTimeLayout}
	}
	return nil
}

// AttemptOutcome classifies the result of a single delivery attempt.
type AttemptOutcome string

const (
	OutcomeDelivered        AttemptOutcome = "delivered"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// DeliveryAttempt records one send to one channel for one occurrence.
// Rows are append-only and never mutated after write.
type DeliveryAttempt struct {
	ID                string         `json:"id"`
	ScheduledItemID   string         `json:"scheduled_item_id"`
	OccurrenceInstant time.Time      `json:"occurrence_instant"` // UTC
	ChannelID         string         `json:"channel_id"`
	AttemptNumber     int            `json:"attempt_number"`
	SentAt            time.Time      `json:"sent_at"`
	AckedAt           *time.Time     `json:"acked_at,omitempty"`
	Outcome           AttemptOutcome `json:"outcome"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
	Late              bool           `json:"late"` // misfire tag for the batch
}

// ChannelKind selects a delivery channel implementation at registration time.
type ChannelKind string

const (
	ChannelKindSMS      ChannelKind = "sms"
	ChannelKindTelegram ChannelKind = "telegram"
	ChannelKindWebhook  ChannelKind = "webhook"
)

// ChannelEndpoint is one registered delivery target for an owner, resolved
// by the external device registry.
type ChannelEndpoint struct {
	ID      string      `json:"id"`
	Kind    ChannelKind `json:"kind"`
	Address string      `json:"address"` // phone number, chat id, or URL
}
