package delivery

import (
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/store"
	"github.com/remindkit/remindkit/internal/util"
)

// Tracker persists every delivery attempt outcome. Attempt rows are
// append-only; recording failures is best-effort and never propagated to the
// mutation caller.
type Tracker struct {
	repo store.AttemptRepo
}

// NewTracker creates a tracker over the given attempt repo.
func NewTracker(repo store.AttemptRepo) *Tracker {
	return &Tracker{repo: repo}
}

// Record appends one attempt row. An empty ID is filled in.
func (t *Tracker) Record(a models.DeliveryAttempt) {
	if a.ID == "" {
		a.ID = util.GenerateAttemptID()
	}
	if err := t.repo.AppendAttempt(a); err != nil {
		slog.Error("Tracker.Record: append attempt failed", "error", err, "itemID", a.ScheduledItemID, "channelID", a.ChannelID)
	}
}

// Attempts returns all recorded attempts for one occurrence of an item.
func (t *Tracker) Attempts(itemID string, occurrence time.Time) ([]models.DeliveryAttempt, error) {
	return t.repo.ListAttempts(itemID, occurrence)
}

// SuccessRatio returns delivered/total across all recorded attempts.
// Returns 1 when nothing has been attempted yet.
func (t *Tracker) SuccessRatio() (float64, error) {
	stats, err := t.repo.GetDeliveryStats()
	if err != nil {
		return 0, err
	}
	if stats.Total == 0 {
		return 1, nil
	}
	return float64(stats.Delivered) / float64(stats.Total), nil
}
