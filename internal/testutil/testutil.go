// Package testutil provides common helpers for RemindKit tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remindkit/remindkit/internal/api"
	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/delivery"
	"github.com/remindkit/remindkit/internal/guard"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/recurrence"
	"github.com/remindkit/remindkit/internal/reminders"
	"github.com/remindkit/remindkit/internal/scheduler"
	"github.com/remindkit/remindkit/internal/store"
)

// Env bundles the in-memory wiring behind a test API server so individual
// tests can reach past the HTTP surface into the store and clock.
type Env struct {
	Server   *api.Server
	Handler  http.Handler
	Store    *store.InMemoryStore
	Clock    *clock.Fake
	Registry *delivery.StaticRegistry
}

// NewTestEnv creates an API server with in-memory dependencies and a fake
// clock pinned to a fixed instant. This centralizes the wiring used across
// handler tests.
func NewTestEnv() *Env {
	st := store.NewInMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	engine := recurrence.NewEngine()
	registry := delivery.NewStaticRegistry()
	svc := delivery.NewService(registry, delivery.NewTracker(st), clk)
	sched := scheduler.NewScheduler(st, engine, svc, clk)
	g := guard.NewGuard(st, clk)
	remSvc := reminders.NewService(st, engine, sched, g, clk)
	server := api.NewServer(remSvc)

	return &Env{
		Server:   server,
		Handler:  server.Handler(),
		Store:    st,
		Clock:    clk,
		Registry: registry,
	}
}

// Do runs one request through the handler and returns the recorder.
func (e *Env) Do(t *testing.T, method, url, idempotencyKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := NewJSONRequest(t, method, url, body)
	if idempotencyKey != "" {
		req.Header.Set(api.HeaderIdempotencyKey, idempotencyKey)
	}
	rr := httptest.NewRecorder()
	e.Handler.ServeHTTP(rr, req)
	return rr
}

// NewJSONRequest creates an HTTP request with an optional JSON body.
func NewJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it
// does not match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSON unmarshals a recorded response body into target and fails the
// test on error.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
}

// SeedItem persists a scheduled item directly into the store.
func (e *Env) SeedItem(t *testing.T, item models.ScheduledItem) *models.ScheduledItem {
	t.Helper()
	now := e.Clock.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if err := e.Store.CreateItem(&item); err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	stored, err := e.Store.GetItem(item.ID)
	if err != nil || stored == nil {
		t.Fatalf("failed to read back seeded item: %v", err)
	}
	return stored
}

// AddAttempt persists a delivery attempt row directly into the store.
func (e *Env) AddAttempt(t *testing.T, a models.DeliveryAttempt) {
	t.Helper()
	if err := e.Store.AppendAttempt(a); err != nil {
		t.Fatalf("failed to seed delivery attempt: %v", err)
	}
}
