package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/remindkit/remindkit/internal/models"
)

func (s *PostgresStore) CreateItem(item *models.ScheduledItem) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_items (`+itemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.OwnerID, item.Title, item.FireAtLocal, item.Timezone,
		nilIfEmpty(item.RecurrenceRule), item.Status, item.SnoozeUntil,
		nilIfEmpty(item.LinkedEventID), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create item failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateItem", "id", item.ID, "owner", item.OwnerID)
	return nil
}

func (s *PostgresStore) GetItem(id string) (*models.ScheduledItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM scheduled_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item failed: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) UpdateItem(item *models.ScheduledItem) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_items
		 SET owner_id = $1, title = $2, fire_at_local = $3, timezone = $4, recurrence_rule = $5,
		     status = $6, snooze_until = $7, linked_event_id = $8, updated_at = $9
		 WHERE id = $10`,
		item.OwnerID, item.Title, item.FireAtLocal, item.Timezone,
		nilIfEmpty(item.RecurrenceRule), item.Status, item.SnoozeUntil,
		nilIfEmpty(item.LinkedEventID), item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	slog.Debug("PostgresStore.UpdateItem", "id", item.ID, "status", item.Status)
	return nil
}

func (s *PostgresStore) ListItemsByOwner(ownerID string) ([]models.ScheduledItem, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM scheduled_items WHERE owner_id = $1 ORDER BY created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items by owner failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *PostgresStore) ListItemsByStatus(statuses ...models.ItemStatus) ([]models.ScheduledItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM scheduled_items WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list items by status failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}
