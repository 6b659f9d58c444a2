package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

func (s *PostgresStore) AppendAttempt(a models.DeliveryAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_attempts (`+attemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ScheduledItemID, formatInstant(a.OccurrenceInstant), a.ChannelID,
		a.AttemptNumber, a.SentAt.UTC(), a.AckedAt, a.Outcome, nilIfEmpty(a.ErrorDetail), a.Late,
	)
	if err != nil {
		return fmt.Errorf("append delivery attempt failed: %w", err)
	}
	slog.Debug("PostgresStore.AppendAttempt", "itemID", a.ScheduledItemID, "channelID", a.ChannelID, "attempt", a.AttemptNumber, "outcome", a.Outcome)
	return nil
}

func (s *PostgresStore) ListAttempts(itemID string, occurrence time.Time) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE scheduled_item_id = $1 AND occurrence_instant = $2
		 ORDER BY channel_id ASC, attempt_number ASC`,
		itemID, formatInstant(occurrence),
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts failed: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PostgresStore) ListAttemptsByItem(itemID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT `+attemptColumns+` FROM delivery_attempts
		 WHERE scheduled_item_id = $1 ORDER BY sent_at ASC, attempt_number ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts by item failed: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PostgresStore) GetDeliveryStats() (DeliveryStats, error) {
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
