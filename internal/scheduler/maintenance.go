package scheduler

import (
	"log/slog"

	"github.com/remindkit/remindkit/internal/guard"
	"github.com/robfig/cron/v3"
)

// Cron expressions for background sweeps (5-field: min, hour, dom, month, dow).
const (
	pruneExpiredExpr = "0 * * * *"
	requeueStaleExpr = "*/5 * * * *"
)

// Maintenance runs the periodic housekeeping sweeps: pruning expired
// idempotency records and requeuing wake-ups stuck in dispatching.
type Maintenance struct {
	cron *cron.Cron
}

// NewMaintenance creates and starts the maintenance cron. The sweeps run
// until Stop is called; a panicking sweep is recovered and logged rather
// than taking the process down.
func NewMaintenance(s *Scheduler, g *guard.Guard) (*Maintenance, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	if _, err := c.AddFunc(pruneExpiredExpr, func() {
		n, err := g.PruneExpired()
		if err != nil {
			slog.Error("Maintenance: idempotency prune failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Maintenance: pruned expired idempotency records", "count", n)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(requeueStaleExpr, func() {
		now := s.clk.Now()
		n, err := s.store.RequeueStaleWakeups(now, now.Add(-s.staleThreshold))
		if err != nil {
			slog.Error("Maintenance: stale wakeup requeue failed", "error", err)
			return
		}
		if n > 0 {
			slog.Warn("Maintenance: requeued stale wakeups", "count", n)
		}
	}); err != nil {
		return nil, err
	}

	c.Start()
	return &Maintenance{cron: c}, nil
}

// Stop stops the maintenance cron and waits for running sweeps to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
