// Package store provides storage backends for RemindKit.
//
// This file implements an in-memory store used in tests and single-process
// setups without persistence requirements.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

// InMemoryStore implements Store with mutex-protected maps. All atomicity
// contracts (insert-if-absent, exclusive wake-up claims, conditional lease
// updates) hold under the single store mutex.
type InMemoryStore struct {
	mu       sync.Mutex
	items    map[string]models.ScheduledItem
	wakeups  map[string]Wakeup
	records  map[string]IdempotencyRecord // keyed scope + "\x00" + key
	attempts []models.DeliveryAttempt
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:   make(map[string]models.ScheduledItem),
		wakeups: make(map[string]Wakeup),
		records: make(map[string]IdempotencyRecord),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func recordKey(scope, key string) string { return scope + "\x00" + key }

// --- ItemRepo ---

func (s *InMemoryStore) CreateItem(item *models.ScheduledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = *item
	return nil
}

func (s *InMemoryStore) GetItem(id string) (*models.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	copied := item
	return &copied, nil
}

func (s *InMemoryStore) UpdateItem(item *models.ScheduledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return models.ErrNotFound
	}
	s.items[item.ID] = *item
	return nil
}

func (s *InMemoryStore) ListItemsByOwner(ownerID string) ([]models.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledItem
	for _, item := range s.items {
		if item.OwnerID == ownerID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListItemsByStatus(statuses ...models.ItemStatus) ([]models.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledItem
	for _, item := range s.items {
		for _, st := range statuses {
			if item.Status == st {
				out = append(out, item)
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// --- WakeupRepo ---

func (s *InMemoryStore) ReplaceWakeup(w Wakeup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Status = WakeupStatusQueued
	w.ClaimedAt = nil
	s.wakeups[w.ItemID] = w
	return nil
}

func (s *InMemoryStore) RemoveWakeup(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wakeups, itemID)
	return nil
}

func (s *InMemoryStore) GetWakeup(itemID string) (*Wakeup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakeups[itemID]
	if !ok {
		return nil, nil
	}
	copied := w
	return &copied, nil
}

func (s *InMemoryStore) ListWakeups() ([]Wakeup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Wakeup, 0, len(s.wakeups))
	for _, w := range s.wakeups {
		out = append(out, w)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FireAt.Before(out[b].FireAt) })
	return out, nil
}

func (s *InMemoryStore) ClaimDueWakeups(now time.Time, limit int) ([]Wakeup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Wakeup
	for _, w := range s.wakeups {
		if w.Status == WakeupStatusQueued && !w.FireAt.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].FireAt.Before(due[b].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	claimedAt := now.UTC()
	for i := range due {
		due[i].Status = WakeupStatusDispatching
		due[i].ClaimedAt = &claimedAt
		due[i].UpdatedAt = claimedAt
		s.wakeups[due[i].ItemID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) RequeueStaleWakeups(now, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, w := range s.wakeups {
		if w.Status == WakeupStatusDispatching && w.ClaimedAt != nil && w.ClaimedAt.Before(staleBefore) {
			w.Status = WakeupStatusQueued
			w.ClaimedAt = nil
			w.UpdatedAt = now.UTC()
			s.wakeups[id] = w
			n++
		}
	}
	return n, nil
}

// --- IdempotencyRepo ---

func (s *InMemoryStore) InsertRecord(rec IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(rec.Scope, rec.Key)
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	s.records[k] = rec
	return true, nil
}

func (s *InMemoryStore) GetRecord(scope, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(scope, key)]
	if !ok {
		return nil, nil
	}
	copied := rec
	return &copied, nil
}

func (s *InMemoryStore) CompleteRecord(scope, key, leaseToken string, cachedStatus int, cachedBody []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(scope, key)
	rec, ok := s.records[k]
	if !ok || rec.Status != IdempotencyStatusInProgress || rec.LeaseToken != leaseToken {
		return false, nil
	}
	rec.Status = IdempotencyStatusCompleted
	rec.CachedStatus = cachedStatus
	rec.CachedBody = cachedBody
	s.records[k] = rec
	return true, nil
}

func (s *InMemoryStore) ReclaimRecord(scope, key, newLeaseToken string, now, leaseExpiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(scope, key)
	rec, ok := s.records[k]
	if !ok || rec.Status != IdempotencyStatusInProgress || !rec.LeaseExpiresAt.Before(now) {
		return false, nil
	}
	rec.LeaseToken = newLeaseToken
	rec.LeaseExpiresAt = leaseExpiresAt
	s.records[k] = rec
	return true, nil
}

func (s *InMemoryStore) DeleteExpiredRecords(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// --- AttemptRepo ---

func (s *InMemoryStore) AppendAttempt(a models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *InMemoryStore) ListAttempts(itemID string, occurrence time.Time) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range s.attempts {
		if a.ScheduledItemID == itemID && a.OccurrenceInstant.Equal(occurrence) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *InMemoryStore) ListAttemptsByItem(itemID string) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range s.attempts {
		if a.ScheduledItemID == itemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetDeliveryStats() (DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats DeliveryStats
	for _, a := range s.attempts {
		stats.Total++
		switch a.Outcome {
		case models.OutcomeDelivered:
			stats.Delivered++
		case models.OutcomeTransientFailure:
			stats.Transient++
		case models.OutcomePermanentFailure:
			stats.Permanent++
		}
	}
	return stats, nil
}
