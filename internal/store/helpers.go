package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// formatInstant renders a UTC instant for storage in TEXT columns that are
// compared for equality (occurrence instants).
func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseInstant reverses formatInstant.
func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored instant %q failed: %w", s, err)
	}
	return t.UTC(), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem scans a ScheduledItem row.
func scanItem(rs rowScanner) (models.ScheduledItem, error) {
	var i models.ScheduledItem
	var rule, linkedEventID sql.NullString
	var snoozeUntil sql.NullTime
	err := rs.Scan(
		&i.ID, &i.OwnerID, &i.Title, &i.FireAtLocal, &i.Timezone, &rule,
		&i.Status, &snoozeUntil, &linkedEventID, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return i, err
	}
	i.RecurrenceRule = rule.String
	i.LinkedEventID = linkedEventID.String
	if snoozeUntil.Valid {
		t := snoozeUntil.Time.UTC()
		i.SnoozeUntil = &t
	}
	return i, nil
}

// scanWakeup scans a Wakeup row.
func scanWakeup(rs rowScanner) (Wakeup, error) {
	var w Wakeup
	var occurrenceAt string
	var claimedAt sql.NullTime
	err := rs.Scan(
		&w.ItemID, &w.FireAt, &occurrenceAt, &w.Status, &claimedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return w, err
	}
	occ, err := parseInstant(occurrenceAt)
	if err != nil {
		return w, err
	}
	w.OccurrenceAt = occ
	w.FireAt = w.FireAt.UTC()
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		w.ClaimedAt = &t
	}
	return w, nil
}

// scanAttempt scans a DeliveryAttempt row.
func scanAttempt(rs rowScanner) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var occurrence string
	var ackedAt sql.NullTime
	var errDetail sql.NullString
	err := rs.Scan(
		&a.ID, &a.ScheduledItemID, &occurrence, &a.ChannelID, &a.AttemptNumber,
		&a.SentAt, &ackedAt, &a.Outcome, &errDetail, &a.Late,
	)
	if err != nil {
		return a, err
	}
	occ, err := parseInstant(occurrence)
	if err != nil {
		return a, err
	}
	a.OccurrenceInstant = occ
	a.SentAt = a.SentAt.UTC()
	a.ErrorDetail = errDetail.String
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		a.AckedAt = &t
	}
	return a, nil
}

// scanIdempotencyRecord scans an IdempotencyRecord row.
func scanIdempotencyRecord(rs rowScanner) (IdempotencyRecord, error) {
	var r IdempotencyRecord
	var body []byte
	err := rs.Scan(
		&r.Scope, &r.Key, &r.Fingerprint, &r.Status, &r.CachedStatus, &body,
		&r.LeaseToken, &r.LeaseExpiresAt, &r.CreatedAt, &r.ExpiresAt,
	)
	if err != nil {
		return r, err
	}
	r.CachedBody = body
	r.LeaseExpiresAt = r.LeaseExpiresAt.UTC()
	return r, nil
}
