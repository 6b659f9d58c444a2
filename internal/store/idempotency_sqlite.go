package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const idempotencyColumns = `scope, key, request_fingerprint, status, cached_status, cached_body, lease_token, lease_expires_at, created_at, expires_at`

func (s *SQLiteStore) InsertRecord(rec IdempotencyRecord) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO idempotency_records (`+idempotencyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO NOTHING`,
		rec.Scope, rec.Key, rec.Fingerprint, rec.Status, rec.CachedStatus, rec.CachedBody,
		rec.LeaseToken, rec.LeaseExpiresAt.UTC(), rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.InsertRecord", "scope", rec.Scope, "key", rec.Key, "inserted", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) GetRecord(scope, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE scope = ? AND key = ?`,
		scope, key,
	)
	rec, err := scanIdempotencyRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record failed: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) CompleteRecord(scope, key, leaseToken string, cachedStatus int, cachedBody []byte) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE idempotency_records
		 SET status = 'completed', cached_status = ?, cached_body = ?
		 WHERE scope = ? AND key = ? AND lease_token = ? AND status = 'in_progress'`,
		cachedStatus, cachedBody, scope, key, leaseToken,
	)
	if err != nil {
		return false, fmt.Errorf("complete idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReclaimRecord(scope, key, newLeaseToken string, now, leaseExpiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE idempotency_records
		 SET lease_token = ?, lease_expires_at = ?
		 WHERE scope = ? AND key = ? AND status = 'in_progress' AND lease_expires_at < ?`,
		newLeaseToken, leaseExpiresAt.UTC(), scope, key, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ReclaimRecord: expired lease taken over", "scope", scope, "key", key)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteExpiredRecords(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_records WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.DeleteExpiredRecords", "pruned", n)
	}
	return int(n), nil
}
