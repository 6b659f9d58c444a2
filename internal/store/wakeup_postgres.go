package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) ReplaceWakeup(w Wakeup) error {
	_, err := s.db.Exec(
		`INSERT INTO wakeups (`+wakeupColumns+`)
		 VALUES ($1, $2, $3, 'queued', NULL, $4, $5)
		 ON CONFLICT (item_id) DO UPDATE SET
		   fire_at = EXCLUDED.fire_at,
		   occurrence_at = EXCLUDED.occurrence_at,
		   status = 'queued',
		   claimed_at = NULL,
		   updated_at = EXCLUDED.updated_at`,
		w.ItemID, w.FireAt.UTC(), formatInstant(w.OccurrenceAt), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace wakeup failed: %w", err)
	}
	slog.Debug("PostgresStore.ReplaceWakeup", "itemID", w.ItemID, "fireAt", w.FireAt)
	return nil
}

func (s *PostgresStore) RemoveWakeup(itemID string) error {
	_, err := s.db.Exec(`DELETE FROM wakeups WHERE item_id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("remove wakeup failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWakeup(itemID string) (*Wakeup, error) {
	row := s.db.QueryRow(`SELECT `+wakeupColumns+` FROM wakeups WHERE item_id = $1`, itemID)
	w, err := scanWakeup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wakeup failed: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) ListWakeups() ([]Wakeup, error) {
	rows, err := s.db.Query(`SELECT ` + wakeupColumns + ` FROM wakeups ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list wakeups failed: %w", err)
	}
	defer rows.Close()

	var wakeups []Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wakeup failed: %w", err)
		}
		wakeups = append(wakeups, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wakeups failed: %w", err)
	}
	return wakeups, nil
}

// ClaimDueWakeups uses a single UPDATE ... RETURNING with SKIP LOCKED
// semantics via the status guard, so concurrent workers never claim the same
// wake-up.
func (s *PostgresStore) ClaimDueWakeups(now time.Time, limit int) ([]Wakeup, error) {
	rows, err := s.db.Query(
		`UPDATE wakeups SET status = 'dispatching', claimed_at = $1, updated_at = $1
		 WHERE item_id IN (
		   SELECT item_id FROM wakeups
		   WHERE status = 'queued' AND fire_at <= $2
		   ORDER BY fire_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+wakeupColumns,
		now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due wakeups failed: %w", err)
	}
	defer rows.Close()

	var claimed []Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed wakeup failed: %w", err)
		}
		claimed = append(claimed, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed wakeups failed: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) RequeueStaleWakeups(now, staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE wakeups SET status = 'queued', claimed_at = NULL, updated_at = $1
		 WHERE status = 'dispatching' AND claimed_at < $2`,
		now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale wakeups failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleWakeups", "requeued", n)
	}
	return int(n), nil
}
