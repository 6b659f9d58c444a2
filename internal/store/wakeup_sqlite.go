package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const wakeupColumns = `item_id, fire_at, occurrence_at, status, claimed_at, created_at, updated_at`

func (s *SQLiteStore) ReplaceWakeup(w Wakeup) error {
	_, err := s.db.Exec(
		`INSERT INTO wakeups (`+wakeupColumns+`)
		 VALUES (?, ?, ?, 'queued', NULL, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   fire_at = excluded.fire_at,
		   occurrence_at = excluded.occurrence_at,
		   status = 'queued',
		   claimed_at = NULL,
		   updated_at = excluded.updated_at`,
		w.ItemID, w.FireAt.UTC(), formatInstant(w.OccurrenceAt), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace wakeup failed: %w", err)
	}
	slog.Debug("SQLiteStore.ReplaceWakeup", "itemID", w.ItemID, "fireAt", w.FireAt)
	return nil
}

func (s *SQLiteStore) RemoveWakeup(itemID string) error {
	_, err := s.db.Exec(`DELETE FROM wakeups WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("remove wakeup failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWakeup(itemID string) (*Wakeup, error) {
	row := s.db.QueryRow(`SELECT `+wakeupColumns+` FROM wakeups WHERE item_id = ?`, itemID)
	w, err := scanWakeup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wakeup failed: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) ListWakeups() ([]Wakeup, error) {
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

func (s *SQLiteStore) ClaimDueWakeups(now time.Time, limit int) ([]Wakeup, error) {
	rows, err := s.db.Query(
		`SELECT `+wakeupColumns+` FROM wakeups
		 WHERE status = 'queued' AND fire_at <= ? ORDER BY fire_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due wakeups query failed: %w", err)
	}
	var candidates []Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan wakeup failed: %w", err)
		}
		candidates = append(candidates, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due wakeups iteration failed: %w", err)
	}
	rows.Close()

	// The status guard in the UPDATE makes each claim exclusive: a wakeup
	// already moved to dispatching by another worker is skipped.
	claimed := make([]Wakeup, 0, len(candidates))
	for _, w := range candidates {
		res, err := s.db.Exec(
			`UPDATE wakeups SET status = 'dispatching', claimed_at = ?, updated_at = ?
			 WHERE item_id = ? AND status = 'queued'`,
			now.UTC(), now.UTC(), w.ItemID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark wakeup dispatching failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t := now.UTC()
		w.Status = WakeupStatusDispatching
		w.ClaimedAt = &t
		claimed = append(claimed, w)
	}
	return claimed, nil
}

func (s *SQLiteStore) RequeueStaleWakeups(now, staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE wakeups SET status = 'queued', claimed_at = NULL, updated_at = ?
		 WHERE status = 'dispatching' AND claimed_at < ?`,
		now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale wakeups failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleWakeups", "requeued", n)
	}
	return int(n), nil
}
