package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/remindkit/remindkit/internal/models"
)

const itemColumns = `id, owner_id, title, fire_at_local, timezone, recurrence_rule, status, snooze_until, linked_event_id, created_at, updated_at`

func (s *SQLiteStore) CreateItem(item *models.ScheduledItem) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, item.Title, item.FireAtLocal, item.Timezone,
		nilIfEmpty(item.RecurrenceRule), item.Status, item.SnoozeUntil,
		nilIfEmpty(item.LinkedEventID), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create item failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateItem", "id", item.ID, "owner", item.OwnerID)
	return nil
}

func (s *SQLiteStore) GetItem(id string) (*models.ScheduledItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item failed: %w", err)
	}
	return &item, nil
}

func (s *SQLiteStore) UpdateItem(item *models.ScheduledItem) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_items
		 SET owner_id = ?, title = ?, fire_at_local = ?, timezone = ?, recurrence_rule = ?,
		     status = ?, snooze_until = ?, linked_event_id = ?, updated_at = ?
		 WHERE id = ?`,
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
	slog.Debug("SQLiteStore.UpdateItem", "id", item.ID, "status", item.Status)
	return nil
}

func (s *SQLiteStore) ListItemsByOwner(ownerID string) ([]models.ScheduledItem, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM scheduled_items WHERE owner_id = ? ORDER BY created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items by owner failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) ListItemsByStatus(statuses ...models.ItemStatus) ([]models.ScheduledItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM scheduled_items WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list items by status failed: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]models.ScheduledItem, error) {
	var items []models.ScheduledItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item failed: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items failed: %w", err)
	}
	return items, nil
}
