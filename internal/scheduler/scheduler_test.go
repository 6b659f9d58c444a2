package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/delivery"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/recurrence"
	"github.com/remindkit/remindkit/internal/store"
)

// okChannel acknowledges every send immediately.
type okChannel struct{}

func (okChannel) Kind() models.ChannelKind { return models.ChannelKindWebhook }
func (okChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p delivery.Payload) error {
	return nil
}

// retryOnceChannel fails the first send with a transient error, refuses
// cancelled contexts, and succeeds afterwards.
type retryOnceChannel struct {
	mu    sync.Mutex
	calls int
}

func (c *retryOnceChannel) Kind() models.ChannelKind { return models.ChannelKindWebhook }
func (c *retryOnceChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p delivery.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		return delivery.Transientf("connection reset")
	}
	return nil
}

type fixture struct {
	sched *Scheduler
	st    *store.InMemoryStore
	clk   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, okChannel{})
}

func newFixtureWith(t *testing.T, ch delivery.Channel) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	engine := recurrence.NewEngine()

	registry := delivery.NewStaticRegistry()
	registry.AddEndpoint("owner-1", models.ChannelEndpoint{ID: "ep-1", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})
	svc := delivery.NewService(registry, delivery.NewTracker(st), clk)
	svc.RegisterChannel(ch)

	return &fixture{
		sched: NewScheduler(st, engine, svc, clk),
		st:    st,
		clk:   clk,
	}
}

func (f *fixture) createItem(t *testing.T, rule string) *models.ScheduledItem {
	t.Helper()
	now := f.clk.Now()
	item := &models.ScheduledItem{
		ID:             "rem_" + rule + "_test",
		OwnerID:        "owner-1",
		Title:          "water the plants",
		FireAtLocal:    "2025-06-01T09:00:00",
		Timezone:       "UTC",
		RecurrenceRule: rule,
		Status:         models.ItemStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.st.CreateItem(item); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	return item
}

// waitForAttempts polls for asynchronously recorded delivery attempts.
func waitForAttempts(t *testing.T, st *store.InMemoryStore, itemID string, occ time.Time, want int) []models.DeliveryAttempt {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		attempts, err := st.ListAttempts(itemID, occ)
		if err != nil {
			t.Fatalf("ListAttempts failed: %v", err)
		}
		if len(attempts) >= want {
			return attempts
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d attempts, have %d", want, len(attempts))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInstallWakeupOneShot(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "")

	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}
	w, err := f.st.GetWakeup(item.ID)
	if err != nil || w == nil {
		t.Fatalf("expected a wakeup, got %v (err %v)", w, err)
	}
	want := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if !w.FireAt.Equal(want) || !w.OccurrenceAt.Equal(want) {
		t.Errorf("expected fire and occurrence at %s, got %s / %s", want, w.FireAt, w.OccurrenceAt)
	}
	if w.Status != store.WakeupStatusQueued {
		t.Errorf("expected queued wakeup, got %s", w.Status)
	}
}

func TestInstallWakeupTerminalItemRemoves(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	item.Status = models.ItemStatusCancelled
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup on terminal item failed: %v", err)
	}
	w, err := f.st.GetWakeup(item.ID)
	if err != nil {
		t.Fatalf("GetWakeup failed: %v", err)
	}
	if w != nil {
		t.Error("expected the wakeup to be removed for a terminal item")
	}
}

func TestDispatchRecurringAdvancesWakeup(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	occ := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.clk.Set(occ.Add(30 * time.Second))
	f.sched.poll(context.Background())

	attempts := waitForAttempts(t, f.st, item.ID, occ, 1)
	if attempts[0].Outcome != models.OutcomeDelivered {
		t.Errorf("expected delivered attempt, got %s", attempts[0].Outcome)
	}
	if attempts[0].Late {
		t.Error("a firing 30s after its instant is within grace, not late")
	}

	w, err := f.st.GetWakeup(item.ID)
	if err != nil || w == nil {
		t.Fatalf("expected the wakeup to be replaced, got %v (err %v)", w, err)
	}
	wantNext := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !w.FireAt.Equal(wantNext) {
		t.Errorf("expected next fire at %s, got %s", wantNext, w.FireAt)
	}
	if w.Status != store.WakeupStatusQueued {
		t.Errorf("expected the replaced wakeup queued, got %s", w.Status)
	}

	got, err := f.st.GetItem(item.ID)
	if err != nil || got == nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Status != models.ItemStatusActive {
		t.Errorf("expected a recurring item to stay active, got %s", got.Status)
	}
}

func TestDispatchOneShotMarksDone(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	occ := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.clk.Set(occ.Add(10 * time.Second))
	f.sched.poll(context.Background())

	waitForAttempts(t, f.st, item.ID, occ, 1)

	got, err := f.st.GetItem(item.ID)
	if err != nil || got == nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Status != models.ItemStatusDone {
		t.Errorf("expected one-shot item done after firing, got %s", got.Status)
	}
	w, err := f.st.GetWakeup(item.ID)
	if err != nil {
		t.Fatalf("GetWakeup failed: %v", err)
	}
	if w != nil {
		t.Error("expected no wakeup after the single firing")
	}
}

func TestCancelBetweenClaimAndFireYieldsNoAttempts(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	item.Status = models.ItemStatusCancelled
	if err := f.st.UpdateItem(item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	occ := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.clk.Set(occ.Add(time.Second))
	f.sched.poll(context.Background())

	attempts, err := f.st.ListAttempts(item.ID, occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("expected zero attempts for a cancelled item, got %d", len(attempts))
	}
	w, err := f.st.GetWakeup(item.ID)
	if err != nil {
		t.Fatalf("GetWakeup failed: %v", err)
	}
	if w != nil {
		t.Error("expected the stale wakeup to be removed")
	}
}

func TestMisfireBeyondGraceFiresLate(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	occ := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.clk.Set(occ.Add(2 * time.Minute))
	f.sched.poll(context.Background())

	attempts := waitForAttempts(t, f.st, item.ID, occ, 1)
	if !attempts[0].Late {
		t.Error("expected a firing beyond the misfire grace to be tagged late")
	}
	if attempts[0].Outcome != models.OutcomeDelivered {
		t.Errorf("expected the late firing delivered, got %s", attempts[0].Outcome)
	}
}

func TestSnoozedFiringResumesAnchorCadence(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")

	snoozeAt := time.Date(2025, 6, 3, 10, 17, 0, 0, time.UTC)
	item.Status = models.ItemStatusSnoozed
	item.SnoozeUntil = &snoozeAt
	if err := f.st.UpdateItem(item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	w, err := f.st.GetWakeup(item.ID)
	if err != nil || w == nil {
		t.Fatalf("expected a snooze wakeup, got %v (err %v)", w, err)
	}
	if !w.FireAt.Equal(snoozeAt) {
		t.Fatalf("expected snooze wakeup at %s, got %s", snoozeAt, w.FireAt)
	}

	f.clk.Set(snoozeAt.Add(5 * time.Second))
	f.sched.poll(context.Background())

	waitForAttempts(t, f.st, item.ID, snoozeAt, 1)

	got, err := f.st.GetItem(item.ID)
	if err != nil || got == nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Status != models.ItemStatusActive {
		t.Errorf("expected the item active after the snoozed firing, got %s", got.Status)
	}
	if got.SnoozeUntil != nil {
		t.Error("expected snooze_until cleared after firing")
	}

	// The next wakeup follows the 09:00 anchor cadence, not snooze+24h.
	next, err := f.st.GetWakeup(item.ID)
	if err != nil || next == nil {
		t.Fatalf("expected a follow-up wakeup, got %v (err %v)", next, err)
	}
	wantNext := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	if !next.FireAt.Equal(wantNext) {
		t.Errorf("expected the cadence to resume at %s, got %s", wantNext, next.FireAt)
	}
}

func TestRehydratePreservesExistingWakeups(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")

	// An existing row, even one the engine would compute differently, must
	// survive a restart untouched.
	existing := store.Wakeup{
		ItemID:       item.ID,
		FireAt:       time.Date(2025, 6, 5, 12, 30, 0, 0, time.UTC),
		OccurrenceAt: time.Date(2025, 6, 5, 12, 30, 0, 0, time.UTC),
		CreatedAt:    f.clk.Now(),
		UpdatedAt:    f.clk.Now(),
	}
	if err := f.st.ReplaceWakeup(existing); err != nil {
		t.Fatalf("ReplaceWakeup failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.sched.Rehydrate(); err != nil {
			t.Fatalf("Rehydrate pass %d failed: %v", i, err)
		}
	}

	wakeups, err := f.st.ListWakeups()
	if err != nil {
		t.Fatalf("ListWakeups failed: %v", err)
	}
	if len(wakeups) != 1 {
		t.Fatalf("expected exactly 1 wakeup after rehydration, got %d", len(wakeups))
	}
	if !wakeups[0].FireAt.Equal(existing.FireAt) {
		t.Errorf("expected the existing wakeup preserved at %s, got %s", existing.FireAt, wakeups[0].FireAt)
	}
}

func TestRehydrateInstallsMissingWakeup(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")

	if err := f.sched.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	w, err := f.st.GetWakeup(item.ID)
	if err != nil || w == nil {
		t.Fatalf("expected rehydration to install the missing wakeup, got %v (err %v)", w, err)
	}
	want := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if !w.FireAt.Equal(want) {
		t.Errorf("expected fire at %s, got %s", want, w.FireAt)
	}
}

func TestRehydrateRemovesOrphanedWakeups(t *testing.T) {
	f := newFixture(t)

	cancelled := f.createItem(t, "")
	cancelled.Status = models.ItemStatusCancelled
	if err := f.st.UpdateItem(cancelled); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	now := f.clk.Now()
	for _, id := range []string{cancelled.ID, "rem_gone"} {
		if err := f.st.ReplaceWakeup(store.Wakeup{ItemID: id, FireAt: now, OccurrenceAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("ReplaceWakeup failed: %v", err)
		}
	}

	if err := f.sched.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	wakeups, err := f.st.ListWakeups()
	if err != nil {
		t.Fatalf("ListWakeups failed: %v", err)
	}
	if len(wakeups) != 0 {
		t.Errorf("expected orphaned wakeups removed, got %d remaining", len(wakeups))
	}
}

func TestRehydrateRequeuesStaleClaims(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "FREQ=DAILY")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	// Claim the wakeup as a crashed worker would, then let the claim age
	// past the stale threshold.
	f.clk.Set(time.Date(2025, 6, 1, 9, 0, 1, 0, time.UTC))
	claimed, err := f.st.ClaimDueWakeups(f.clk.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected to claim 1 wakeup, got %d (err %v)", len(claimed), err)
	}
	f.clk.Advance(10 * time.Minute)

	if err := f.sched.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	w, err := f.st.GetWakeup(item.ID)
	if err != nil || w == nil {
		t.Fatalf("GetWakeup failed: %v (err %v)", w, err)
	}
	if w.Status != store.WakeupStatusQueued {
		t.Errorf("expected the stale claim requeued, got %s", w.Status)
	}
	if w.ClaimedAt != nil {
		t.Error("expected the stale claim timestamp cleared")
	}
}

func TestClaimDueWakeupsExclusive(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t, "")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	now := time.Date(2025, 6, 1, 9, 0, 1, 0, time.UTC)
	first, err := f.st.ClaimDueWakeups(now, 10)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	second, err := f.st.ClaimDueWakeups(now, 10)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected exactly one claimer to win, got %d and %d", len(first), len(second))
	}
}

func TestStoppedLoopDrainsInFlightRetries(t *testing.T) {
	ch := &retryOnceChannel{}
	f := newFixtureWith(t, ch)
	item := f.createItem(t, "")
	if err := f.sched.InstallWakeup(item); err != nil {
		t.Fatalf("InstallWakeup failed: %v", err)
	}

	occ := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.clk.Set(occ.Add(time.Second))

	// The loop context is already cancelled, as it is during shutdown.
	// The delivery must still retry past the transient failure and land.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.sched.poll(ctx)

	attempts := waitForAttempts(t, f.st, item.ID, occ, 2)
	f.sched.svc.Wait()

	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Outcome != models.OutcomeTransientFailure {
		t.Errorf("expected a transient first attempt, got %s", attempts[0].Outcome)
	}
	if attempts[1].Outcome != models.OutcomeDelivered {
		t.Errorf("expected the retry to deliver, got %s", attempts[1].Outcome)
	}
}
