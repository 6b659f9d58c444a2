// Package store provides the ItemRepo interface for scheduled item persistence.
package store

import (
	"github.com/remindkit/remindkit/internal/models"
)

// ItemRepo defines the interface for scheduled item persistence.
// Items are never hard-deleted; cancellation is a terminal status.
type ItemRepo interface {
	// CreateItem inserts a new scheduled item.
	CreateItem(item *models.ScheduledItem) error

	// GetItem retrieves a single item by ID. Returns (nil, nil) if absent.
	GetItem(id string) (*models.ScheduledItem, error)

	// UpdateItem persists the full current state of an item.
	UpdateItem(item *models.ScheduledItem) error

	// ListItemsByOwner returns all items belonging to an owner.
	ListItemsByOwner(ownerID string) ([]models.ScheduledItem, error)

	// ListItemsByStatus returns all items in any of the given statuses.
	// Used by the scheduler's rehydration pass (active + snoozed).
	ListItemsByStatus(statuses ...models.ItemStatus) ([]models.ScheduledItem, error)
}
