package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

func newItem(fireAtLocal, tz, rule string) *models.ScheduledItem {
	return &models.ScheduledItem{
		ID:             "rem_test",
		OwnerID:        "owner-1",
		Title:          "test reminder",
		FireAtLocal:    fireAtLocal,
		Timezone:       tz,
		RecurrenceRule: rule,
		Status:         models.ItemStatusActive,
	}
}

func TestBetweenDailyCountSpansSpringForward(t *testing.T) {
	// US spring forward is 2025-03-09; the window straddles it.
	engine := NewEngine()
	item := newItem("2025-03-07T09:00:00", "America/New_York", "FREQ=DAILY;COUNT=7")

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := engine.Between(item, from, to)
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 occurrences, got %d", len(got))
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	for i, occ := range got {
		local := occ.In(loc)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Errorf("occurrence %d not at 09:00 local, got %s", i, local)
		}
	}

	// The UTC gap across the transition night is 23h, not 24h.
	gap := got[2].Sub(got[1])
	if gap != 23*time.Hour {
		t.Errorf("expected 23h gap across spring forward, got %s", gap)
	}
	// Away from the transition the gap is a plain 24h.
	if gap := got[4].Sub(got[3]); gap != 24*time.Hour {
		t.Errorf("expected 24h gap on ordinary days, got %s", gap)
	}
}

func TestBetweenDailyCountSpansFallBack(t *testing.T) {
	// US fall back is 2025-11-02; the clock repeats an hour that night.
	engine := NewEngine()
	item := newItem("2025-10-31T09:00:00", "America/New_York", "FREQ=DAILY;COUNT=4")

	from := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	got, err := engine.Between(item, from, to)
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(got))
	}

	// Nov 1 -> Nov 2 spans the repeated hour: 25h in UTC.
	gap := got[2].Sub(got[1])
	if gap != 25*time.Hour {
		t.Errorf("expected 25h gap across fall back, got %s", gap)
	}
}

func TestBetweenMonthlyResolvesOffsetPerOccurrence(t *testing.T) {
	// "Pay rent on the 1st at 09:00" from January through April 2025 in
	// America/New_York: the first three fall in EST (-05:00), April in
	// EDT (-04:00).
	engine := NewEngine()
	item := newItem("2025-01-01T09:00:00", "America/New_York", "FREQ=MONTHLY;COUNT=4")

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := engine.Between(item, from, to)
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(got))
	}

	wantUTCHours := []int{14, 14, 14, 13}
	loc, _ := time.LoadLocation("America/New_York")
	for i, occ := range got {
		if occ.Hour() != wantUTCHours[i] {
			t.Errorf("occurrence %d: expected %02d:00 UTC, got %s", i, wantUTCHours[i], occ)
		}
		local := occ.In(loc)
		if local.Hour() != 9 || local.Day() != 1 {
			t.Errorf("occurrence %d: expected the 1st at 09:00 local, got %s", i, local)
		}
	}
}

func TestBetweenOneShotInsideWindow(t *testing.T) {
	engine := NewEngine()
	item := newItem("2025-06-15T08:30:00", "UTC", "")

	got, err := engine.Between(item,
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(got))
	}
	want := time.Date(2025, 6, 15, 8, 30, 0, 0, time.UTC)
	if !got[0].Equal(want) {
		t.Errorf("expected %s, got %s", want, got[0])
	}

	got, err = engine.Between(item,
		time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no occurrences outside the window, got %d", len(got))
	}
}

func TestValidateRejectsRuleOverInstanceCap(t *testing.T) {
	engine := NewEngine(WithInstanceCap(10))
	item := newItem("2025-01-01T09:00:00", "UTC", "FREQ=DAILY")

	err := engine.Validate(item)
	if err == nil {
		t.Fatal("expected validation error for unbounded daily rule with cap 10")
	}
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if vErr.Field != "recurrence_rule" {
		t.Errorf("expected field recurrence_rule, got %s", vErr.Field)
	}
	if !strings.Contains(vErr.Reason, "cap is 10") {
		t.Errorf("expected reason to name the cap, got %q", vErr.Reason)
	}
	if !strings.Contains(vErr.Reason, "11 instances") {
		t.Errorf("expected reason to name the computed count, got %q", vErr.Reason)
	}
}

func TestValidateAcceptsBoundedRule(t *testing.T) {
	engine := NewEngine(WithInstanceCap(10))
	item := newItem("2025-01-01T09:00:00", "UTC", "FREQ=DAILY;COUNT=10")
	if err := engine.Validate(item); err != nil {
		t.Fatalf("expected bounded rule at the cap to pass, got %v", err)
	}
}

func TestValidateRejectsUnknownZone(t *testing.T) {
	engine := NewEngine()
	item := newItem("2025-01-01T09:00:00", "Mars/Olympus_Mons", "FREQ=DAILY;COUNT=2")

	err := engine.Validate(item)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for unknown zone, got %v", err)
	}
	if vErr.Field != "timezone" {
		t.Errorf("expected field timezone, got %s", vErr.Field)
	}
}

func TestValidateRejectsMalformedRule(t *testing.T) {
	engine := NewEngine()
	item := newItem("2025-01-01T09:00:00", "UTC", "FREQ=SOMETIMES")

	err := engine.Validate(item)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for malformed rule, got %v", err)
	}
	if vErr.Field != "recurrence_rule" {
		t.Errorf("expected field recurrence_rule, got %s", vErr.Field)
	}
}

func TestNextOneShot(t *testing.T) {
	engine := NewEngine()
	item := newItem("2025-06-15T08:30:00", "UTC", "")
	anchor := time.Date(2025, 6, 15, 8, 30, 0, 0, time.UTC)

	next, ok, err := engine.Next(item, anchor.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !ok || !next.Equal(anchor) {
		t.Errorf("expected anchor %s, got %s (ok=%v)", anchor, next, ok)
	}

	_, ok, err = engine.Next(item, anchor)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ok {
		t.Error("expected one-shot to be exhausted once its anchor has passed")
	}
}

func TestNextFollowsAnchorCadence(t *testing.T) {
	// Asking for the occurrence after an off-cadence instant (a snooze
	// target, say) must return the rule's own next slot, not instant+24h.
	engine := NewEngine()
	item := newItem("2025-06-01T09:00:00", "UTC", "FREQ=DAILY")

	offCadence := time.Date(2025, 6, 3, 10, 17, 0, 0, time.UTC)
	next, ok, err := engine.Next(item, offCadence)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("expected %s, got %s (ok=%v)", want, next, ok)
	}
}

func TestNextExhaustedCountedRule(t *testing.T) {
	engine := NewEngine()
	item := newItem("2025-06-01T09:00:00", "UTC", "FREQ=DAILY;COUNT=3")

	_, ok, err := engine.Next(item, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ok {
		t.Error("expected counted rule to be exhausted past its last occurrence")
	}
}
