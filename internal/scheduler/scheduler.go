// Package scheduler owns the durable wake-up table and the dispatch loop
// that fires scheduled items at their occurrence instants.
//
// Every active item has exactly one wake-up row storing only its next
// occurrence; the value is recomputed through the recurrence engine on each
// firing or mutation, never trusted stale. Wake-ups survive restarts; a boot
// rehydration pass re-establishes any that are missing.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/delivery"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/recurrence"
	"github.com/remindkit/remindkit/internal/store"
)

// Defaults for dispatch behavior.
const (
	// DefaultPollInterval is the dispatch loop cadence.
	DefaultPollInterval = 5 * time.Second
	// DefaultMisfireGrace is the delay beyond which a firing is tagged late.
	DefaultMisfireGrace = 60 * time.Second
	// DefaultClaimLimit bounds how many due wake-ups one poll claims.
	DefaultClaimLimit = 10
	// DefaultStaleThreshold is how long a dispatching claim may be held
	// before crash recovery requeues it.
	DefaultStaleThreshold = 5 * time.Minute
)

// Scheduler runs the background dispatch loop independent of request
// handling. A claimed wake-up is owned by exactly one worker until it is
// replaced, removed, or requeued as stale.
type Scheduler struct {
	store  store.Store
	engine *recurrence.Engine
	svc    *delivery.Service
	clk    clock.Clock

	pollInterval   time.Duration
	misfireGrace   time.Duration
	claimLimit     int
	staleThreshold time.Duration
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	PollInterval   time.Duration
	MisfireGrace   time.Duration
	ClaimLimit     int
	StaleThreshold time.Duration
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithPollInterval overrides the dispatch loop cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithMisfireGrace overrides the late-firing threshold.
func WithMisfireGrace(d time.Duration) Option {
	return func(o *Opts) { o.MisfireGrace = d }
}

// WithClaimLimit overrides the per-poll claim limit.
func WithClaimLimit(n int) Option {
	return func(o *Opts) { o.ClaimLimit = n }
}

// WithStaleThreshold overrides the stale-claim recovery threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// NewScheduler creates a scheduler, applying any provided options.
func NewScheduler(st store.Store, engine *recurrence.Engine, svc *delivery.Service, clk clock.Clock, opts ...Option) *Scheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	return &Scheduler{
		store:          st,
		engine:         engine,
		svc:            svc,
		clk:            clk,
		pollInterval:   cfg.PollInterval,
		misfireGrace:   cfg.MisfireGrace,
		claimLimit:     cfg.ClaimLimit,
		staleThreshold: cfg.StaleThreshold,
	}
}

// InstallWakeup computes and installs the wake-up for an item, atomically
// replacing any existing entry. Items in a terminal status get their wake-up
// removed instead. Called on every mutation and by the rehydration pass.
func (s *Scheduler) InstallWakeup(item *models.ScheduledItem) error {
	if item.Status.IsTerminal() {
		return s.store.RemoveWakeup(item.ID)
	}

	now := s.clk.Now()
	if item.Status == models.ItemStatusSnoozed && item.SnoozeUntil != nil {
		return s.store.ReplaceWakeup(store.Wakeup{
			ItemID:       item.ID,
			FireAt:       item.SnoozeUntil.UTC(),
			OccurrenceAt: item.SnoozeUntil.UTC(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	next, ok, err := s.engine.Next(item, now)
	if err != nil {
		return err
	}
	if !ok {
		// One-shot whose anchor already passed: fire late rather than drop.
		if item.RecurrenceRule == "" {
			anchor, aerr := s.engine.AnchorInstant(item)
			if aerr != nil {
				return aerr
			}
			return s.store.ReplaceWakeup(store.Wakeup{
				ItemID:       item.ID,
				FireAt:       anchor,
				OccurrenceAt: anchor,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
		// Recurring rule exhausted; nothing left to fire.
		slog.Info("Scheduler.InstallWakeup: rule exhausted, marking done", "itemID", item.ID)
		item.Status = models.ItemStatusDone
		item.UpdatedAt = now
		if err := s.store.UpdateItem(item); err != nil {
			return err
		}
		return s.store.RemoveWakeup(item.ID)
	}

	return s.store.ReplaceWakeup(store.Wakeup{
		ItemID:       item.ID,
		FireAt:       next,
		OccurrenceAt: next,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Run starts the dispatch loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting dispatch loop", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll claims due wake-ups and dispatches each one. Store failures are
// logged and retried on the next tick; the loop never crashes on them.
func (s *Scheduler) poll(ctx context.Context) {
	now := s.clk.Now()
	wakeups, err := s.store.ClaimDueWakeups(now, s.claimLimit)
	if err != nil {
		slog.Error("Scheduler.poll: claim failed", "error", err)
		return
	}

	for _, w := range wakeups {
		s.dispatch(ctx, w)
	}
}

// dispatch fires one claimed wake-up: re-checks the item's status, hands the
// occurrence to the delivery service on its own goroutine, and advances the
// wake-up to the next occurrence (or retires the item).
func (s *Scheduler) dispatch(ctx context.Context, w store.Wakeup) {
	item, err := s.store.GetItem(w.ItemID)
	if err != nil {
		slog.Error("Scheduler.dispatch: item lookup failed", "error", err, "itemID", w.ItemID)
		return
	}
	if item == nil {
		slog.Error("Scheduler.dispatch: wakeup for unknown item, removing", "itemID", w.ItemID)
		if err := s.store.RemoveWakeup(w.ItemID); err != nil {
			slog.Error("Scheduler.dispatch: orphan wakeup removal failed", "error", err, "itemID", w.ItemID)
		}
		return
	}
	// Cancellation or completion between claim and dispatch wins: no
	// delivery attempts for this occurrence.
	if item.Status.IsTerminal() {
		slog.Debug("Scheduler.dispatch: item no longer eligible", "itemID", item.ID, "status", item.Status)
		if err := s.store.RemoveWakeup(item.ID); err != nil {
			slog.Error("Scheduler.dispatch: wakeup removal failed", "error", err, "itemID", item.ID)
		}
		return
	}

	now := s.clk.Now()
	late := now.Sub(w.FireAt) >= s.misfireGrace
	if late {
		slog.Warn("Scheduler.dispatch: misfire beyond grace, firing late", "itemID", item.ID, "fireAt", w.FireAt, "delay", now.Sub(w.FireAt))
	}

	// A fired snooze returns the item to the active cadence.
	if item.Status == models.ItemStatusSnoozed {
		item.Status = models.ItemStatusActive
		item.SnoozeUntil = nil
		item.UpdatedAt = now
		if err := s.store.UpdateItem(item); err != nil {
			slog.Error("Scheduler.dispatch: unsnooze failed", "error", err, "itemID", item.ID)
		}
	}

	// Delivery is detached from the loop context: a shutdown stops new
	// polls but in-flight retries run to completion, so svc.Wait drains
	// rather than aborting mid-attempt.
	delivered := *item
	go s.svc.Deliver(context.WithoutCancel(ctx), &delivered, w.OccurrenceAt, late)

	s.advance(item, w)
}

// advance replaces the fired wake-up with the next occurrence, or retires
// the item when none remains. The cadence always follows the original
// anchor, never the fired instant.
func (s *Scheduler) advance(item *models.ScheduledItem, w store.Wakeup) {
	now := s.clk.Now()

	if item.RecurrenceRule == "" {
		item.Status = models.ItemStatusDone
		item.UpdatedAt = now
		if err := s.store.UpdateItem(item); err != nil {
			slog.Error("Scheduler.advance: mark done failed", "error", err, "itemID", item.ID)
		}
		if err := s.store.RemoveWakeup(item.ID); err != nil {
			slog.Error("Scheduler.advance: wakeup removal failed", "error", err, "itemID", item.ID)
		}
		return
	}

	next, ok, err := s.engine.Next(item, w.OccurrenceAt)
	if err != nil {
		slog.Error("Scheduler.advance: next occurrence failed", "error", err, "itemID", item.ID)
		return
	}
	if !ok {
		slog.Info("Scheduler.advance: rule exhausted, marking done", "itemID", item.ID)
		item.Status = models.ItemStatusDone
		item.UpdatedAt = now
		if err := s.store.UpdateItem(item); err != nil {
			slog.Error("Scheduler.advance: mark done failed", "error", err, "itemID", item.ID)
		}
		if err := s.store.RemoveWakeup(item.ID); err != nil {
			slog.Error("Scheduler.advance: wakeup removal failed", "error", err, "itemID", item.ID)
		}
		return
	}

	if err := s.store.ReplaceWakeup(store.Wakeup{
		ItemID:       item.ID,
		FireAt:       next,
		OccurrenceAt: next,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		slog.Error("Scheduler.advance: wakeup replacement failed", "error", err, "itemID", item.ID)
	}
}
