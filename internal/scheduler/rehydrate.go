package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/remindkit/remindkit/internal/models"
)

// Rehydrate rebuilds the wake-up table from persisted items after a restart.
//
// Existing wake-up rows are left untouched so the post-restart schedule is
// identical to the pre-restart one, including any rows claimed mid-dispatch
// when the process died. The pass only heals: it installs wake-ups for
// eligible items that lack one, removes rows orphaned by missing or retired
// items, and requeues claims older than the stale threshold. A store failure
// here is fatal; running with a partial wake-up table silently drops firings.
func (s *Scheduler) Rehydrate() error {
	slog.Info("Scheduler.Rehydrate: starting")

	items, err := s.store.ListItemsByStatus(models.ItemStatusActive, models.ItemStatusSnoozed)
	if err != nil {
		return fmt.Errorf("failed to list eligible items: %w", err)
	}

	installed := 0
	for i := range items {
		item := &items[i]
		w, err := s.store.GetWakeup(item.ID)
		if err != nil {
			return fmt.Errorf("failed to check wakeup for item %s: %w", item.ID, err)
		}
		if w != nil {
			continue
		}
		if err := s.InstallWakeup(item); err != nil {
			return fmt.Errorf("failed to install wakeup for item %s: %w", item.ID, err)
		}
		installed++
	}

	removed, err := s.removeOrphans()
	if err != nil {
		return err
	}

	now := s.clk.Now()
	requeued, err := s.store.RequeueStaleWakeups(now, now.Add(-s.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to requeue stale wakeups: %w", err)
	}

	slog.Info("Scheduler.Rehydrate: complete", "eligibleItems", len(items), "installed", installed, "orphansRemoved", removed, "staleRequeued", requeued)
	return nil
}

// removeOrphans deletes wake-up rows whose item is gone or terminal.
func (s *Scheduler) removeOrphans() (int, error) {
	wakeups, err := s.store.ListWakeups()
	if err != nil {
		return 0, fmt.Errorf("failed to list wakeups: %w", err)
	}

	removed := 0
	for _, w := range wakeups {
		item, err := s.store.GetItem(w.ItemID)
		if err != nil {
			return removed, fmt.Errorf("failed to load item %s: %w", w.ItemID, err)
		}
		if item != nil && !item.Status.IsTerminal() {
			continue
		}
		if err := s.store.RemoveWakeup(w.ItemID); err != nil {
			return removed, fmt.Errorf("failed to remove orphan wakeup %s: %w", w.ItemID, err)
		}
		removed++
	}
	return removed, nil
}
