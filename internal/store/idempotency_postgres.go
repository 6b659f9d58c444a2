package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) InsertRecord(rec IdempotencyRecord) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO idempotency_records (`+idempotencyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (scope, key) DO NOTHING`,
		rec.Scope, rec.Key, rec.Fingerprint, rec.Status, rec.CachedStatus, rec.CachedBody,
		rec.LeaseToken, rec.LeaseExpiresAt.UTC(), rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore.InsertRecord", "scope", rec.Scope, "key", rec.Key, "inserted", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) GetRecord(scope, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE scope = $1 AND key = $2`,
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

func (s *PostgresStore) CompleteRecord(scope, key, leaseToken string, cachedStatus int, cachedBody []byte) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE idempotency_records
		 SET status = 'completed', cached_status = $1, cached_body = $2
		 WHERE scope = $3 AND key = $4 AND lease_token = $5 AND status = 'in_progress'`,
		cachedStatus, cachedBody, scope, key, leaseToken,
	)
	if err != nil {
		return false, fmt.Errorf("complete idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ReclaimRecord(scope, key, newLeaseToken string, now, leaseExpiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE idempotency_records
		 SET lease_token = $1, lease_expires_at = $2
		 WHERE scope = $3 AND key = $4 AND status = 'in_progress' AND lease_expires_at < $5`,
		newLeaseToken, leaseExpiresAt.UTC(), scope, key, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency record failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReclaimRecord: expired lease taken over", "scope", scope, "key", key)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteExpiredRecords(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_records WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.DeleteExpiredRecords", "pruned", n)
	}
	return int(n), nil
}
