// Package store provides the IdempotencyRepo interface and model backing the
// idempotency guard.
package store

import (
	"time"
)

// IdempotencyStatus represents the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord tracks one guarded mutation keyed by (scope, key).
// At most one record exists per (scope, key); a record with a mismatched
// fingerprint for an existing key is a conflict and is never overwritten.
type IdempotencyRecord struct {
	Scope          string            `json:"scope"`
	Key            string            `json:"key"`
	Fingerprint    string            `json:"request_fingerprint"`
	Status         IdempotencyStatus `json:"status"`
	CachedStatus   int               `json:"cached_status"`
	CachedBody     []byte            `json:"cached_body"`
	LeaseToken     string            `json:"lease_token"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// IdempotencyRepo defines the interface for idempotency record persistence.
// InsertRecord must be a single atomic insert-if-absent so concurrent retries
// race safely; exactly one caller wins the lease.
type IdempotencyRepo interface {
	// InsertRecord inserts the record if no record exists for (scope, key).
	// Returns true if the insert happened, false if a record already existed.
	InsertRecord(rec IdempotencyRecord) (bool, error)

	// GetRecord retrieves the record for (scope, key). Returns (nil, nil) if absent.
	GetRecord(scope, key string) (*IdempotencyRecord, error)

	// CompleteRecord caches the handler result and marks the record completed.
	// The update only applies while the record is in_progress and held under
	// leaseToken; returns false if the lease no longer matches.
	CompleteRecord(scope, key, leaseToken string, cachedStatus int, cachedBody []byte) (bool, error)

	// ReclaimRecord takes over an in_progress record whose lease expired
	// before now, installing newLeaseToken with the given expiry. Returns
	// true if the takeover succeeded.
	ReclaimRecord(scope, key, newLeaseToken string, now, leaseExpiresAt time.Time) (bool, error)

	// DeleteExpiredRecords prunes records whose expires_at is before now.
	// Returns the number of records removed.
	DeleteExpiredRecords(now time.Time) (int, error)
}
