// Package store provides storage backends for RemindKit.
//
// It defines per-concern repository interfaces (scheduled items, durable
// wake-ups, idempotency records, delivery attempts) and implements them for
// SQLite, PostgreSQL, and an in-memory backend used in tests.
package store

import "strings"

// DetectDSNType reports "postgres" for connection URLs and key=value DSNs,
// "sqlite" for file paths.
func DetectDSNType(dsn string) string {
	if strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string. For SQLite this is a file
// path; for Postgres a connection URL.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	ItemRepo
	WakeupRepo
	IdempotencyRepo
	AttemptRepo

	// Close releases the underlying database resources.
	Close() error
}
