// Package guard implements the idempotency guard that gates mutating
// requests so client retries are safe.
//
// Begin is an atomic insert-if-absent against the backing store: exactly one
// concurrent caller per (scope, key) is admitted and runs the business logic;
// the rest replay the cached result or, on a fingerprint mismatch, receive a
// conflict. Outcomes are returned as data so callers branch on the outcome
// kind rather than on error control flow.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/store"
	"github.com/remindkit/remindkit/internal/util"
)

// Defaults for guard timing.
const (
	// DefaultLeaseTTL bounds how long an admitted caller may hold the lease
	// before a crashed execution becomes reclaimable.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultRecordTTL is how long a completed record is kept; a key may be
	// legitimately reused only after it expires.
	DefaultRecordTTL = 24 * time.Hour
	// DefaultPollInterval is the replay path's polling cadence while an
	// in-flight execution holds the lease.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultReplayWait bounds how long the replay path polls before giving up.
	DefaultReplayWait = 35 * time.Second
)

// OutcomeKind classifies the result of Begin.
type OutcomeKind string

const (
	// Admitted grants exclusive right to execute the business logic.
	Admitted OutcomeKind = "admitted"
	// Replayed returns the previously cached result without re-executing.
	Replayed OutcomeKind = "replayed"
	// Conflicted signals the key was reused with a different fingerprint.
	Conflicted OutcomeKind = "conflicted"
)

// Lease is the exclusive right to execute a guarded operation.
type Lease struct {
	Scope string
	Key   string
	Token string
}

// Outcome is the result of Begin. CachedStatus and CachedBody are only set
// for Replayed outcomes.
type Outcome struct {
	Kind         OutcomeKind
	Lease        Lease
	CachedStatus int
	CachedBody   []byte
}

// Guard gates mutating requests behind idempotency records.
type Guard struct {
	repo         store.IdempotencyRepo
	clk          clock.Clock
	leaseTTL     time.Duration
	recordTTL    time.Duration
	pollInterval time.Duration
	replayWait   time.Duration
}

// Opts holds configuration options for the guard.
type Opts struct {
	LeaseTTL     time.Duration
	RecordTTL    time.Duration
	PollInterval time.Duration
	ReplayWait   time.Duration
}

// Option defines a configuration option for the guard.
type Option func(*Opts)

// WithLeaseTTL overrides the execution lease TTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *Opts) { o.LeaseTTL = d }
}

// WithRecordTTL overrides how long completed records are retained.
func WithRecordTTL(d time.Duration) Option {
	return func(o *Opts) { o.RecordTTL = d }
}

// WithPollInterval overrides the replay polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithReplayWait overrides the replay polling deadline.
func WithReplayWait(d time.Duration) Option {
	return func(o *Opts) { o.ReplayWait = d }
}

// NewGuard creates a guard over the given idempotency repo.
func NewGuard(repo store.IdempotencyRepo, clk clock.Clock, opts ...Option) *Guard {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReplayWait <= 0 {
		cfg.ReplayWait = DefaultReplayWait
	}
	return &Guard{
		repo:         repo,
		clk:          clk,
		leaseTTL:     cfg.LeaseTTL,
		recordTTL:    cfg.RecordTTL,
		pollInterval: cfg.PollInterval,
		replayWait:   cfg.ReplayWait,
	}
}

// Fingerprint hashes a normalized request payload for conflict detection.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin admits, replays, or rejects a guarded request. When an in-flight
// execution holds a live lease, Begin polls (bounded) until it completes; if
// the lease expires first, Begin takes it over so the business logic runs
// exactly once more.
func (g *Guard) Begin(ctx context.Context, scope, key, fingerprint string) (Outcome, error) {
	deadline := g.clk.Now().Add(g.replayWait)

	for {
		now := g.clk.Now()
		token := util.GenerateLeaseToken()
		inserted, err := g.repo.InsertRecord(store.IdempotencyRecord{
			Scope:          scope,
			Key:            key,
			Fingerprint:    fingerprint,
			Status:         store.IdempotencyStatusInProgress,
			LeaseToken:     token,
			LeaseExpiresAt: now.Add(g.leaseTTL),
			CreatedAt:      now,
			ExpiresAt:      now.Add(g.recordTTL),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("guard begin insert failed: %w", err)
		}
		if inserted {
			slog.Debug("Guard.Begin: admitted", "scope", scope, "key", key)
			return Outcome{Kind: Admitted, Lease: Lease{Scope: scope, Key: key, Token: token}}, nil
		}

		rec, err := g.repo.GetRecord(scope, key)
		if err != nil {
			return Outcome{}, fmt.Errorf("guard begin lookup failed: %w", err)
		}
		if rec == nil {
			// Record pruned between insert and lookup; try again.
			continue
		}
		if rec.Fingerprint != fingerprint {
			slog.Warn("Guard.Begin: fingerprint mismatch", "scope", scope, "key", key)
			return Outcome{Kind: Conflicted}, nil
		}
		if rec.Status == store.IdempotencyStatusCompleted {
			slog.Debug("Guard.Begin: replaying cached result", "scope", scope, "key", key)
			return Outcome{Kind: Replayed, CachedStatus: rec.CachedStatus, CachedBody: rec.CachedBody}, nil
		}

		// In progress. Take over the lease if it expired, otherwise wait for
		// the in-flight execution to complete.
		if rec.LeaseExpiresAt.Before(now) {
			token = util.GenerateLeaseToken()
			taken, err := g.repo.ReclaimRecord(scope, key, token, now, now.Add(g.leaseTTL))
			if err != nil {
				return Outcome{}, fmt.Errorf("guard reclaim failed: %w", err)
			}
			if taken {
				slog.Info("Guard.Begin: reclaimed expired lease", "scope", scope, "key", key)
				return Outcome{Kind: Admitted, Lease: Lease{Scope: scope, Key: key, Token: token}}, nil
			}
			continue
		}

		if g.clk.Now().After(deadline) {
			return Outcome{}, fmt.Errorf("guard begin timed out waiting for in-flight request on %s/%s", scope, key)
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-g.clk.After(g.pollInterval):
		}
	}
}

// Complete caches the handler result and transitions the record to completed.
// Fails if the lease is no longer held (expired and reclaimed, or already
// completed by the reclaimer).
func (g *Guard) Complete(ctx context.Context, lease Lease, status int, body []byte) error {
	ok, err := g.repo.CompleteRecord(lease.Scope, lease.Key, lease.Token, status, body)
	if err != nil {
		return fmt.Errorf("guard complete failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("guard complete: lease no longer held for %s/%s", lease.Scope, lease.Key)
	}
	slog.Debug("Guard.Complete: result cached", "scope", lease.Scope, "key", lease.Key, "status", status)
	return nil
}

// PruneExpired removes records past their expiry. Run periodically by the
// scheduler's maintenance cron.
func (g *Guard) PruneExpired() (int, error) {
	return g.repo.DeleteExpiredRecords(g.clk.Now())
}

// HandlerFunc is a guarded business operation returning a cacheable result.
type HandlerFunc func(ctx context.Context) (status int, body []byte, err error)

// ExecuteResult carries the result of a guarded execution alongside how it
// was obtained.
type ExecuteResult struct {
	Kind   OutcomeKind
	Status int
	Body   []byte
}

// Execute wraps a mutation handler per the inbound contract. With an empty
// key the handler runs unguarded. A handler error leaves the record
// in_progress so a retry can reclaim the lease after expiry and run the
// business logic again; results are only cached for handler success.
func (g *Guard) Execute(ctx context.Context, scope, key string, payload []byte, fn HandlerFunc) (ExecuteResult, error) {
	if key == "" {
		status, body, err := fn(ctx)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Kind: Admitted, Status: status, Body: body}, nil
	}

	out, err := g.Begin(ctx, scope, key, Fingerprint(payload))
	if err != nil {
		return ExecuteResult{}, err
	}
	switch out.Kind {
	case Replayed:
		return ExecuteResult{Kind: Replayed, Status: out.CachedStatus, Body: out.CachedBody}, nil
	case Conflicted:
		return ExecuteResult{Kind: Conflicted}, nil
	}

	status, body, err := fn(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := g.Complete(ctx, out.Lease, status, body); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{Kind: Admitted, Status: status, Body: body}, nil
}
