// Package delivery fans notification payloads out to an owner's registered
// channels, retries transient failures with bounded backoff, and records
// every attempt outcome for audit.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

// Payload is the notification handed to a channel. Every payload carries a
// collapse key so a channel may supersede an earlier undelivered copy, and a
// TTL after which the channel should drop rather than late-deliver it.
type Payload struct {
	ItemID            string        `json:"item_id"`
	OwnerID           string        `json:"owner_id"`
	Title             string        `json:"title"`
	OccurrenceInstant time.Time     `json:"occurrence_instant"`
	CollapseKey       string        `json:"collapse_key"`
	TTL               time.Duration `json:"ttl"`
	Late              bool          `json:"late"`
}

// CollapseKey derives the stable collapse key for one occurrence of an item.
func CollapseKey(itemID string, occurrence time.Time) string {
	return itemID + ":" + occurrence.UTC().Format(time.RFC3339)
}

// Channel is the capability interface a delivery transport implements.
// Implementations are selected by kind at registration time.
type Channel interface {
	// Kind identifies which registered endpoints this channel serves.
	Kind() models.ChannelKind

	// Send delivers the payload to one endpoint. Errors must be classified
	// as TransientError or PermanentError; unclassified errors are treated
	// as transient.
	Send(ctx context.Context, endpoint models.ChannelEndpoint, p Payload) error
}

// ChannelRegistry resolves an owner's registered channel endpoints. The
// device registry itself is an external collaborator; this engine only
// consumes it.
type ChannelRegistry interface {
	ResolveChannels(ctx context.Context, ownerID string) ([]models.ChannelEndpoint, error)
}

// TransientError marks a retryable channel failure (network, timeout,
// 5xx-equivalent).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient delivery failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable channel failure (unregistered or
// revoked endpoint). It is recorded once and never retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transientf builds a TransientError from a format string.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
