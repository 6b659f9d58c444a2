package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

const attemptColumns = `id, scheduled_item_id, occurrence_instant, channel_id, attempt_number, sent_at, acked_at, outcome, error_detail, late`

func (s *SQLiteStore) AppendAttempt(a models.DeliveryAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ScheduledItemID, formatInstant(a.OccurrenceInstant), a.ChannelID,
		a.AttemptNumber, a.SentAt.UTC(), a.AckedAt, a.Outcome, nilIfEmpty(a.ErrorDetail), a.Late,
	)
	if err != nil {
		return fmt.Errorf("append delivery attempt failed: %w", err)
	}
	slog.Debug("SQLiteStore.AppendAttempt", "itemID", a.ScheduledItemID, "channelID", a.ChannelID, "attempt", a.AttemptNumber, "outcome", a.Outcome)
	return nil
}

func (s *SQLiteStore) ListAttempts(itemID string, occurrence time.Time) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE scheduled_item_id = ? AND occurrence_instant = ?
		 ORDER BY channel_id ASC, attempt_number ASC`,
		itemID, formatInstant(occurrence),
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts failed: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *SQLiteStore) ListAttemptsByItem(itemID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE scheduled_item_id = ? ORDER BY sent_at ASC, attempt_number ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts by item failed: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *SQLiteStore) GetDeliveryStats() (DeliveryStats, error) {
	var stats DeliveryStats
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM delivery_attempts GROUP BY outcome`)
	if err != nil {
		return stats, fmt.Errorf("delivery stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome models.AttemptOutcome
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return stats, fmt.Errorf("scan delivery stats failed: %w", err)
		}
		stats.Total += count
		switch outcome {
		case models.OutcomeDelivered:
			stats.Delivered = count
		case models.OutcomeTransientFailure:
			stats.Transient = count
		case models.OutcomePermanentFailure:
			stats.Permanent = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate delivery stats failed: %w", err)
	}
	return stats, nil
}

func collectAttempts(rows *sql.Rows) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt failed: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts failed: %w", err)
	}
	return attempts, nil
}
