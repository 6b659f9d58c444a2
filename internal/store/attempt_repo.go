// Package store provides the AttemptRepo interface for the delivery audit trail.
package store

import (
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

// DeliveryStats summarizes recorded attempt outcomes for auditability.
type DeliveryStats struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Transient int `json:"transient_failures"`
	Permanent int `json:"permanent_failures"`
}

// AttemptRepo defines the interface for delivery attempt persistence.
// Attempt rows are append-only and never mutated after write.
type AttemptRepo interface {
	// AppendAttempt records one delivery attempt.
	AppendAttempt(a models.DeliveryAttempt) error

	// ListAttempts returns all attempts for one occurrence of an item,
	// ordered by channel then attempt number.
	ListAttempts(itemID string, occurrence time.Time) ([]models.DeliveryAttempt, error)

	// ListAttemptsByItem returns all attempts recorded for an item.
	ListAttemptsByItem(itemID string) ([]models.DeliveryAttempt, error)

	// GetDeliveryStats returns aggregate outcome counts across all attempts.
	GetDeliveryStats() (DeliveryStats, error)
}
