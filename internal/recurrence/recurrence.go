// Package recurrence expands iCalendar recurrence rules into concrete UTC
// occurrence instants.
//
// An item's anchor is a wall-clock time plus an IANA zone name. Every
// occurrence resolves the zone offset valid at that specific occurrence, so
// a weekly 9:00 AM rule stays 9:00 AM local across a DST boundary while the
// UTC instant shifts by an hour.
package recurrence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/remindkit/remindkit/internal/models"
	"github.com/teambition/rrule-go"
)

// Defaults for recurrence safety limits.
const (
	// DefaultInstanceCap is the maximum number of instances a rule may yield
	// over the validation horizon before it is rejected.
	DefaultInstanceCap = 1000
	// DefaultHorizon is the expansion window used when validating a rule.
	DefaultHorizon = 2 * 365 * 24 * time.Hour
)

// Engine expands recurrence rules. It is stateless and safe for concurrent use.
type Engine struct {
	instanceCap int
	horizon     time.Duration
}

// Opts holds configuration options for the recurrence engine.
type Opts struct {
	InstanceCap int
	Horizon     time.Duration
}

// Option defines a configuration option for the recurrence engine.
type Option func(*Opts)

// WithInstanceCap overrides the maximum instance count allowed over the
// validation horizon.
func WithInstanceCap(n int) Option {
	return func(o *Opts) { o.InstanceCap = n }
}

// WithHorizon overrides the validation expansion horizon.
func WithHorizon(d time.Duration) Option {
	return func(o *Opts) { o.Horizon = d }
}

// NewEngine creates a recurrence engine, applying any provided options.
func NewEngine(opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.InstanceCap <= 0 {
		cfg.InstanceCap = DefaultInstanceCap
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	return &Engine{instanceCap: cfg.InstanceCap, horizon: cfg.Horizon}
}

// anchor materializes the item's wall-clock anchor in its zone's location.
func anchor(item *models.ScheduledItem) (time.Time, error) {
	loc, err := time.LoadLocation(item.Timezone)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: "timezone", Reason: "unknown IANA zone " + item.Timezone}
	}
	t, err := time.ParseInLocation(models.LocalTimeLayout, item.FireAtLocal, loc)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: "fire_at_local", Reason: "must match " + models.LocalTimeLayout}
	}
	return t, nil
}

// rule parses the item's RRULE and binds it to the anchor. The caller must
// have checked that the item has a recurrence rule.
func rule(item *models.ScheduledItem) (*rrule.RRule, error) {
	at, err := anchor(item)
	if err != nil {
		return nil, err
	}
	opt, err := rrule.StrToROption(item.RecurrenceRule)
	if err != nil {
		return nil, &models.ValidationError{Field: "recurrence_rule", Reason: fmt.Sprintf("malformed rule: %v", err)}
	}
	opt.Dtstart = at
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &models.ValidationError{Field: "recurrence_rule", Reason: fmt.Sprintf("invalid rule: %v", err)}
	}
	return r, nil
}

// AnchorInstant resolves the item's anchor to a UTC instant.
func (e *Engine) AnchorInstant(item *models.ScheduledItem) (time.Time, error) {
	at, err := anchor(item)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

// Validate checks the item's zone, anchor, and rule. Recurring rules are
// expanded over the engine's horizon; rules exceeding the instance cap are
// rejected with a validation error naming the cap and the computed count.
// Unbounded rules are never materialized beyond the horizon.
func (e *Engine) Validate(item *models.ScheduledItem) error {
	at, err := anchor(item)
	if err != nil {
		return err
	}
	if item.RecurrenceRule == "" {
		return nil
	}
	r, err := rule(item)
	if err != nil {
		return err
	}

	end := at.Add(e.horizon)
	count := 0
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || !t.Before(end) {
			break
		}
		count++
		if count > e.instanceCap {
			slog.Debug("Engine.Validate: instance cap exceeded", "rule", item.RecurrenceRule, "cap", e.instanceCap)
			return &models.ValidationError{
				Field:  "recurrence_rule",
				Reason: fmt.Sprintf("rule yields at least %d instances over the validation horizon, cap is %d", count, e.instanceCap),
			}
		}
	}
	return nil
}

// Between returns the item's occurrence instants within [from, to), in UTC,
// in ascending order. One-shot items yield their single anchor instant when
// it falls inside the window.
func (e *Engine) Between(item *models.ScheduledItem, from, to time.Time) ([]time.Time, error) {
	if item.RecurrenceRule == "" {
		at, err := e.AnchorInstant(item)
		if err != nil {
			return nil, err
		}
		if !at.Before(from) && at.Before(to) {
			return []time.Time{at}, nil
		}
		return nil, nil
	}

	r, err := rule(item)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		if t.Before(from) {
			continue
		}
		if !t.Before(to) {
			break
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// Next returns the first occurrence instant strictly after the given instant,
// in UTC. The second return value is false when the rule is exhausted.
func (e *Engine) Next(item *models.ScheduledItem, after time.Time) (time.Time, bool, error) {
	if item.RecurrenceRule == "" {
		at, err := e.AnchorInstant(item)
		if err != nil {
			return time.Time{}, false, err
		}
		if at.After(after) {
			return at, true, nil
		}
		return time.Time{}, false, nil
	}

	r, err := rule(item)
	if err != nil {
		return time.Time{}, false, err
	}
	t := r.After(after, false)
	if t.IsZero() {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}
