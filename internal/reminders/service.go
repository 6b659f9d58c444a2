// Package reminders implements the typed mutation API for scheduled items.
//
// Every mutation accepts an optional idempotency key; a non-empty key routes
// the mutation through the guard so client retries replay the original result
// instead of re-executing. The service enforces the item state machine and
// keeps the wake-up table in step with every mutation.
package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/guard"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/recurrence"
	"github.com/remindkit/remindkit/internal/scheduler"
	"github.com/remindkit/remindkit/internal/store"
	"github.com/remindkit/remindkit/internal/util"
)

// Guard scopes, one per mutation kind. A key is unique within its scope, so
// reusing one key across different operations never collides.
const (
	scopeCreate   = "reminders.create"
	scopeUpdate   = "reminders.update"
	scopeSnooze   = "reminders.snooze"
	scopeCancel   = "reminders.cancel"
	scopeMarkDone = "reminders.mark_done"
)

// CreateRequest carries the fields for a new scheduled item.
type CreateRequest struct {
	OwnerID        string `json:"owner_id"`
	Title          string `json:"title"`
	FireAtLocal    string `json:"fire_at_local"`
	Timezone       string `json:"timezone"`
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
	LinkedEventID  string `json:"linked_event_id,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Title          *string `json:"title,omitempty"`
	FireAtLocal    *string `json:"fire_at_local,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	RecurrenceRule *string `json:"recurrence_rule,omitempty"`
}

// Result is the outcome of a guarded mutation. Item is set when the mutation
// executed in this call; a replayed call carries only the cached Status and
// Body from the original execution.
type Result struct {
	Kind   guard.OutcomeKind
	Item   *models.ScheduledItem
	Status int
	Body   []byte
}

// Service wires the guard, store, recurrence engine, and scheduler behind
// typed mutations.
type Service struct {
	store  store.Store
	engine *recurrence.Engine
	sched  *scheduler.Scheduler
	guard  *guard.Guard
	clk    clock.Clock
}

// NewService creates the reminders service.
func NewService(st store.Store, engine *recurrence.Engine, sched *scheduler.Scheduler, g *guard.Guard, clk clock.Clock) *Service {
	return &Service{store: st, engine: engine, sched: sched, guard: g, clk: clk}
}

// guarded runs fn through the idempotency guard, marshaling the executed
// item as the cacheable body. An empty key runs fn directly.
func (s *Service) guarded(ctx context.Context, scope, key string, payload []byte, status int, fn func() (*models.ScheduledItem, error)) (Result, error) {
	var executed *models.ScheduledItem
	res, err := s.guard.Execute(ctx, scope, key, payload, func(ctx context.Context) (int, []byte, error) {
		item, err := fn()
		if err != nil {
			return 0, nil, err
		}
		executed = item
		body, merr := json.Marshal(item)
		if merr != nil {
			return 0, nil, fmt.Errorf("failed to marshal item %s: %w", item.ID, merr)
		}
		return status, body, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: res.Kind, Item: executed, Status: res.Status, Body: res.Body}, nil
}

// Create validates and persists a new scheduled item and installs its
// wake-up. idemKey may be empty.
func (s *Service) Create(ctx context.Context, idemKey string, req CreateRequest) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal create request: %w", err)
	}
	return s.guarded(ctx, scopeCreate, idemKey, payload, http.StatusCreated, func() (*models.ScheduledItem, error) {
		now := s.clk.Now().UTC()
		item := &models.ScheduledItem{
			ID:             util.GenerateItemID(),
			OwnerID:        req.OwnerID,
			Title:          req.Title,
			FireAtLocal:    req.FireAtLocal,
			Timezone:       req.Timezone,
			RecurrenceRule: req.RecurrenceRule,
			Status:         models.ItemStatusActive,
			LinkedEventID:  req.LinkedEventID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		if err := s.engine.Validate(item); err != nil {
			return nil, err
		}
		if err := s.store.CreateItem(item); err != nil {
			return nil, fmt.Errorf("failed to create item: %w", err)
		}
		if err := s.sched.InstallWakeup(item); err != nil {
			return nil, fmt.Errorf("failed to install wakeup for item %s: %w", item.ID, err)
		}
		return item, nil
	})
}

// Update applies a partial update to a non-terminal item, revalidates the
// schedule, and reinstalls the wake-up.
func (s *Service) Update(ctx context.Context, idemKey, id string, req UpdateRequest) (Result, error) {
	payload, err := json.Marshal(struct {
		ID string `json:"id"`
		UpdateRequest
	}{ID: id, UpdateRequest: req})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal update request: %w", err)
	}
	return s.guarded(ctx, scopeUpdate, idemKey, payload, http.StatusOK, func() (*models.ScheduledItem, error) {
		item, err := s.getExisting(id)
		if err != nil {
			return nil, err
		}
		if item.Status.IsTerminal() {
			return nil, models.ErrTerminalStatus
		}
		if req.Title != nil {
			item.Title = *req.Title
		}
		if req.FireAtLocal != nil {
			item.FireAtLocal = *req.FireAtLocal
		}
		if req.Timezone != nil {
			item.Timezone = *req.Timezone
		}
		if req.RecurrenceRule != nil {
			item.RecurrenceRule = *req.RecurrenceRule
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		if err := s.engine.Validate(item); err != nil {
			return nil, err
		}
		item.UpdatedAt = s.clk.Now().UTC()
		if err := s.store.UpdateItem(item); err != nil {
			return nil, fmt.Errorf("failed to update item %s: %w", id, err)
		}
		if err := s.sched.InstallWakeup(item); err != nil {
			return nil, fmt.Errorf("failed to reinstall wakeup for item %s: %w", id, err)
		}
		return item, nil
	})
}

// Snooze moves the item's next firing to the given instant. The recurrence
// cadence is untouched; after the snoozed firing the item resumes the rule's
// own schedule from the original anchor.
func (s *Service) Snooze(ctx context.Context, idemKey, id string, until time.Time) (Result, error) {
	payload, err := json.Marshal(struct {
		ID    string    `json:"id"`
		Until time.Time `json:"until"`
	}{ID: id, Until: until.UTC()})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal snooze request: %w", err)
	}
	return s.guarded(ctx, scopeSnooze, idemKey, payload, http.StatusOK, func() (*models.ScheduledItem, error) {
		item, err := s.getExisting(id)
		if err != nil {
			return nil, err
		}
		if item.Status.IsTerminal() {
			return nil, models.ErrTerminalStatus
		}
		// Re-snoozing an already snoozed item just moves the instant.
		if item.Status != models.ItemStatusSnoozed && !item.Status.CanTransition(models.ItemStatusSnoozed) {
			return nil, models.ErrInvalidStatus
		}
		u := until.UTC()
		item.Status = models.ItemStatusSnoozed
		item.SnoozeUntil = &u
		item.UpdatedAt = s.clk.Now().UTC()
		if err := s.store.UpdateItem(item); err != nil {
			return nil, fmt.Errorf("failed to snooze item %s: %w", id, err)
		}
		if err := s.sched.InstallWakeup(item); err != nil {
			return nil, fmt.Errorf("failed to install snooze wakeup for item %s: %w", id, err)
		}
		return item, nil
	})
}

// Cancel transitions the item to cancelled and removes its wake-up. The item
// row is kept; cancellation is a terminal status, not a delete.
func (s *Service) Cancel(ctx context.Context, idemKey, id string) (Result, error) {
	return s.transition(ctx, scopeCancel, idemKey, id, models.ItemStatusCancelled)
}

// MarkDone transitions the item to done and removes its wake-up.
func (s *Service) MarkDone(ctx context.Context, idemKey, id string) (Result, error) {
	return s.transition(ctx, scopeMarkDone, idemKey, id, models.ItemStatusDone)
}

func (s *Service) transition(ctx context.Context, scope, idemKey, id string, next models.ItemStatus) (Result, error) {
	payload, err := json.Marshal(struct {
		ID     string            `json:"id"`
		Status models.ItemStatus `json:"status"`
	}{ID: id, Status: next})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal transition request: %w", err)
	}
	return s.guarded(ctx, scope, idemKey, payload, http.StatusOK, func() (*models.ScheduledItem, error) {
		item, err := s.getExisting(id)
		if err != nil {
			return nil, err
		}
		if item.Status.IsTerminal() {
			return nil, models.ErrTerminalStatus
		}
		if !item.Status.CanTransition(next) {
			return nil, models.ErrInvalidStatus
		}
		item.Status = next
		item.SnoozeUntil = nil
		item.UpdatedAt = s.clk.Now().UTC()
		if err := s.store.UpdateItem(item); err != nil {
			return nil, fmt.Errorf("failed to transition item %s to %s: %w", id, next, err)
		}
		if err := s.sched.InstallWakeup(item); err != nil {
			return nil, fmt.Errorf("failed to clear wakeup for item %s: %w", id, err)
		}
		return item, nil
	})
}

// Get returns the item by ID.
func (s *Service) Get(id string) (*models.ScheduledItem, error) {
	return s.getExisting(id)
}

// List returns all items belonging to an owner.
func (s *Service) List(ownerID string) ([]models.ScheduledItem, error) {
	return s.store.ListItemsByOwner(ownerID)
}

// History returns the full delivery attempt audit trail for an item.
func (s *Service) History(itemID string) ([]models.DeliveryAttempt, error) {
	if _, err := s.getExisting(itemID); err != nil {
		return nil, err
	}
	return s.store.ListAttemptsByItem(itemID)
}

func (s *Service) getExisting(id string) (*models.ScheduledItem, error) {
	item, err := s.store.GetItem(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	if item == nil {
		return nil, models.ErrNotFound
	}
	return item, nil
}
