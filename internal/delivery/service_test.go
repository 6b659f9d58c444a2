package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/store"
)

// scriptedChannel returns its scripted errors in order; calls beyond the
// script succeed.
type scriptedChannel struct {
	kind models.ChannelKind

	mu     sync.Mutex
	script []error
	calls  int
}

func (c *scriptedChannel) Kind() models.ChannelKind { return c.kind }

func (c *scriptedChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.calls < len(c.script) {
		err = c.script[c.calls]
	}
	c.calls++
	return err
}

func (c *scriptedChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestService(t *testing.T, ch Channel, endpoints ...models.ChannelEndpoint) (*Service, *store.InMemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewInMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := NewStaticRegistry()
	for _, ep := range endpoints {
		registry.AddEndpoint("owner-1", ep)
	}
	svc := NewService(registry, NewTracker(st), clk)
	if ch != nil {
		svc.RegisterChannel(ch)
	}
	return svc, st, clk
}

func testItem() *models.ScheduledItem {
	return &models.ScheduledItem{
		ID:       "rem_test",
		OwnerID:  "owner-1",
		Title:    "water the plants",
		Status:   models.ItemStatusActive,
		Timezone: "UTC",
	}
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	ch := &scriptedChannel{
		kind:   models.ChannelKindWebhook,
		script: []error{Transientf("connection reset"), Transientf("connection reset"), nil},
	}
	svc, st, clk := newTestService(t, ch,
		models.ChannelEndpoint{ID: "ep-1", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, false)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d: expected number %d, got %d", i, i+1, a.AttemptNumber)
		}
		if a.ID == "" {
			t.Errorf("attempt %d: expected a generated id", i)
		}
	}
	if attempts[0].Outcome != models.OutcomeTransientFailure || attempts[1].Outcome != models.OutcomeTransientFailure {
		t.Errorf("expected the first two attempts transient, got %s / %s", attempts[0].Outcome, attempts[1].Outcome)
	}
	if attempts[2].Outcome != models.OutcomeDelivered {
		t.Errorf("expected the final attempt delivered, got %s", attempts[2].Outcome)
	}
	if attempts[2].AckedAt == nil {
		t.Error("expected the delivered attempt to carry an ack timestamp")
	}
	if attempts[0].AckedAt != nil {
		t.Error("expected failed attempts to have no ack timestamp")
	}
}

func TestDeliverStopsAtMaxAttempts(t *testing.T) {
	ch := &scriptedChannel{
		kind: models.ChannelKindWebhook,
		script: []error{
			Transientf("unavailable"), Transientf("unavailable"), Transientf("unavailable"),
			Transientf("unavailable"), Transientf("unavailable"),
		},
	}
	svc, st, clk := newTestService(t, ch,
		models.ChannelEndpoint{ID: "ep-1", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, false)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != DefaultMaxAttempts {
		t.Fatalf("expected exactly %d attempt rows, got %d", DefaultMaxAttempts, len(attempts))
	}
	if ch.callCount() != DefaultMaxAttempts {
		t.Errorf("expected exactly %d sends, got %d", DefaultMaxAttempts, ch.callCount())
	}
	for i, a := range attempts {
		if a.Outcome != models.OutcomeTransientFailure {
			t.Errorf("attempt %d: expected transient failure, got %s", i, a.Outcome)
		}
		if a.ErrorDetail == "" {
			t.Errorf("attempt %d: expected error detail", i)
		}
	}
}

func TestDeliverPermanentFailureNeverRetried(t *testing.T) {
	ch := &scriptedChannel{
		kind:   models.ChannelKindWebhook,
		script: []error{Permanentf("endpoint revoked")},
	}
	svc, st, clk := newTestService(t, ch,
		models.ChannelEndpoint{ID: "ep-1", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, false)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected a single attempt row, got %d", len(attempts))
	}
	if attempts[0].Outcome != models.OutcomePermanentFailure {
		t.Errorf("expected permanent failure, got %s", attempts[0].Outcome)
	}
	if ch.callCount() != 1 {
		t.Errorf("expected exactly 1 send, got %d", ch.callCount())
	}
}

func TestDeliverFanOutIsolatesChannelFailures(t *testing.T) {
	failing := &scriptedChannel{
		kind:   models.ChannelKindSMS,
		script: []error{Transientf("down"), Transientf("down"), Transientf("down")},
	}
	healthy := &scriptedChannel{kind: models.ChannelKindWebhook}

	svc, st, clk := newTestService(t, failing,
		models.ChannelEndpoint{ID: "ep-sms", Kind: models.ChannelKindSMS, Address: "+15551234567"},
		models.ChannelEndpoint{ID: "ep-web", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})
	svc.RegisterChannel(healthy)

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, false)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}

	perEndpoint := make(map[string][]models.DeliveryAttempt)
	for _, a := range attempts {
		perEndpoint[a.ChannelID] = append(perEndpoint[a.ChannelID], a)
	}
	if len(perEndpoint["ep-web"]) != 1 || perEndpoint["ep-web"][0].Outcome != models.OutcomeDelivered {
		t.Errorf("expected the healthy channel to deliver on the first attempt, got %+v", perEndpoint["ep-web"])
	}
	if len(perEndpoint["ep-sms"]) != DefaultMaxAttempts {
		t.Errorf("expected the failing channel to exhaust its attempts, got %d rows", len(perEndpoint["ep-sms"]))
	}
}

func TestDeliverLateTagRecordedOnEveryRow(t *testing.T) {
	ch := &scriptedChannel{
		kind:   models.ChannelKindWebhook,
		script: []error{Transientf("busy"), nil},
	}
	svc, st, clk := newTestService(t, ch,
		models.ChannelEndpoint{ID: "ep-1", Kind: models.ChannelKindWebhook, Address: "https://example.com/hook"})

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, true)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if !a.Late {
			t.Errorf("attempt %d: expected late tag on the misfired batch", i)
		}
	}
}

func TestDeliverOwnerWithoutChannels(t *testing.T) {
	svc, st, clk := newTestService(t, nil)

	occ := clk.Now()
	svc.Deliver(context.Background(), testItem(), occ, false)

	attempts, err := st.ListAttempts("rem_test", occ)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("expected no attempts for an owner with no endpoints, got %d", len(attempts))
	}
}

func TestCollapseKeyStablePerOccurrence(t *testing.T) {
	occ := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := CollapseKey("rem_test", occ)
	if key != "rem_test:2025-06-01T12:00:00Z" {
		t.Errorf("unexpected collapse key %q", key)
	}
	if key != CollapseKey("rem_test", occ.In(time.FixedZone("EST", -5*3600))) {
		t.Error("expected collapse key to be zone-independent")
	}
}

func TestTrackerSuccessRatio(t *testing.T) {
	st := store.NewInMemoryStore()
	tracker := NewTracker(st)

	ratio, err := tracker.SuccessRatio()
	if err != nil {
		t.Fatalf("SuccessRatio failed: %v", err)
	}
	if ratio != 1 {
		t.Errorf("expected ratio 1 with no attempts, got %f", ratio)
	}

	now := time.Now().UTC()
	tracker.Record(models.DeliveryAttempt{ScheduledItemID: "rem_a", OccurrenceInstant: now, ChannelID: "ep-1", AttemptNumber: 1, SentAt: now, Outcome: models.OutcomeDelivered})
	tracker.Record(models.DeliveryAttempt{ScheduledItemID: "rem_a", OccurrenceInstant: now, ChannelID: "ep-2", AttemptNumber: 1, SentAt: now, Outcome: models.OutcomeTransientFailure})
	tracker.Record(models.DeliveryAttempt{ScheduledItemID: "rem_a", OccurrenceInstant: now, ChannelID: "ep-2", AttemptNumber: 2, SentAt: now, Outcome: models.OutcomeTransientFailure})
	tracker.Record(models.DeliveryAttempt{ScheduledItemID: "rem_b", OccurrenceInstant: now, ChannelID: "ep-1", AttemptNumber: 1, SentAt: now, Outcome: models.OutcomeDelivered})

	ratio, err = tracker.SuccessRatio()
	if err != nil {
		t.Fatalf("SuccessRatio failed: %v", err)
	}
	if ratio != 0.5 {
		t.Errorf("expected ratio 0.5, got %f", ratio)
	}
}
