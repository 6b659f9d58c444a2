package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/remindkit/remindkit/internal/clock"
	"github.com/remindkit/remindkit/internal/models"
)

// Defaults for delivery behavior.
const (
	// DefaultMaxAttempts caps attempts per (item, occurrence, channel).
	DefaultMaxAttempts = 3
	// DefaultAttemptTimeout bounds a single channel send. It is distinct
	// from, and shorter than, the payload TTL.
	DefaultAttemptTimeout = 10 * time.Second
	// DefaultPayloadTTL is how long a channel may hold an undelivered
	// payload before dropping it instead of late-delivering.
	DefaultPayloadTTL = 5 * time.Minute
	// DefaultBackoffBase seeds the exponential retry backoff.
	DefaultBackoffBase = 2 * time.Second
	// DefaultSendRate limits outbound sends per second across all channels.
	DefaultSendRate = 50
)

// Service fans a firing out to the owner's registered channels. Each channel
// is sent concurrently with an independent retry timer; one channel's failure
// never affects another.
type Service struct {
	registry ChannelRegistry
	tracker  *Tracker
	clk      clock.Clock
	limiter  *rate.Limiter

	mu       sync.RWMutex
	channels map[models.ChannelKind]Channel

	maxAttempts    int
	attemptTimeout time.Duration
	payloadTTL     time.Duration
	backoffBase    time.Duration

	wg sync.WaitGroup
}

// Opts holds configuration options for the delivery service.
type Opts struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	PayloadTTL     time.Duration
	BackoffBase    time.Duration
	SendRate       rate.Limit
}

// Option defines a configuration option for the delivery service.
type Option func(*Opts)

// WithMaxAttempts overrides the per-channel attempt cap.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithAttemptTimeout overrides the per-attempt send timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AttemptTimeout = d }
}

// WithPayloadTTL overrides the payload time-to-live.
func WithPayloadTTL(d time.Duration) Option {
	return func(o *Opts) { o.PayloadTTL = d }
}

// WithBackoffBase overrides the retry backoff seed.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// WithSendRate overrides the global outbound send rate limit.
func WithSendRate(r rate.Limit) Option {
	return func(o *Opts) { o.SendRate = r }
}

// NewService creates a delivery service, applying any provided options.
func NewService(registry ChannelRegistry, tracker *Tracker, clk clock.Clock, opts ...Option) *Service {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = DefaultPayloadTTL
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}
	return &Service{
		registry:       registry,
		tracker:        tracker,
		clk:            clk,
		limiter:        rate.NewLimiter(cfg.SendRate, int(cfg.SendRate)),
		channels:       make(map[models.ChannelKind]Channel),
		maxAttempts:    cfg.MaxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		payloadTTL:     cfg.PayloadTTL,
		backoffBase:    cfg.BackoffBase,
	}
}

// RegisterChannel installs the implementation serving endpoints of its kind.
func (s *Service) RegisterChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.Kind()] = ch
	slog.Debug("Service.RegisterChannel", "kind", ch.Kind())
}

// Deliver resolves the owner's channels and sends the payload to each one
// concurrently, blocking until every channel finishes its retry sequence.
// The dispatcher invokes it on its own goroutine so the dispatch loop is
// never blocked. Errors are recorded by the tracker, never returned.
func (s *Service) Deliver(ctx context.Context, item *models.ScheduledItem, occurrence time.Time, late bool) {
	endpoints, err := s.registry.ResolveChannels(ctx, item.OwnerID)
	if err != nil {
		slog.Error("Service.Deliver: channel resolution failed", "error", err, "itemID", item.ID, "owner", item.OwnerID)
		return
	}
	if len(endpoints) == 0 {
		slog.Debug("Service.Deliver: owner has no registered channels", "itemID", item.ID, "owner", item.OwnerID)
		return
	}

	p := Payload{
		ItemID:            item.ID,
		OwnerID:           item.OwnerID,
		Title:             item.Title,
		OccurrenceInstant: occurrence.UTC(),
		CollapseKey:       CollapseKey(item.ID, occurrence),
		TTL:               s.payloadTTL,
		Late:              late,
	}

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		s.mu.RLock()
		ch, ok := s.channels[endpoint.Kind]
		s.mu.RUnlock()
		if !ok {
			slog.Warn("Service.Deliver: no channel registered for kind", "kind", endpoint.Kind, "endpointID", endpoint.ID)
			continue
		}
		wg.Add(1)
		s.wg.Add(1)
		go func(ch Channel, endpoint models.ChannelEndpoint) {
			defer wg.Done()
			defer s.wg.Done()
			s.deliverToChannel(ctx, ch, endpoint, p)
		}(ch, endpoint)
	}
	wg.Wait()
}

// Wait blocks until all in-flight channel sends finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// deliverToChannel runs the bounded retry sequence for one endpoint.
func (s *Service) deliverToChannel(ctx context.Context, ch Channel, endpoint models.ChannelEndpoint, p Payload) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			slog.Debug("Service.deliverToChannel: rate limiter interrupted", "error", err, "endpointID", endpoint.ID)
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		err := ch.Send(sendCtx, endpoint, p)
		cancel()
		sentAt := s.clk.Now()

		if err == nil {
			acked := sentAt
			s.tracker.Record(models.DeliveryAttempt{
				ScheduledItemID:   p.ItemID,
				OccurrenceInstant: p.OccurrenceInstant,
				ChannelID:         endpoint.ID,
				AttemptNumber:     attempt,
				SentAt:            sentAt,
				AckedAt:           &acked,
				Outcome:           models.OutcomeDelivered,
				Late:              p.Late,
			})
			slog.Debug("Service.deliverToChannel: delivered", "itemID", p.ItemID, "endpointID", endpoint.ID, "attempt", attempt)
			return
		}

		if IsPermanent(err) {
			s.tracker.Record(models.DeliveryAttempt{
				ScheduledItemID:   p.ItemID,
				OccurrenceInstant: p.OccurrenceInstant,
				ChannelID:         endpoint.ID,
				AttemptNumber:     attempt,
				SentAt:            sentAt,
				Outcome:           models.OutcomePermanentFailure,
				ErrorDetail:       err.Error(),
				Late:              p.Late,
			})
			slog.Warn("Service.deliverToChannel: permanent failure, not retrying", "error", err, "itemID", p.ItemID, "endpointID", endpoint.ID)
			return
		}

		s.tracker.Record(models.DeliveryAttempt{
			ScheduledItemID:   p.ItemID,
			OccurrenceInstant: p.OccurrenceInstant,
			ChannelID:         endpoint.ID,
			AttemptNumber:     attempt,
			SentAt:            sentAt,
			Outcome:           models.OutcomeTransientFailure,
			ErrorDetail:       err.Error(),
			Late:              p.Late,
		})
		slog.Warn("Service.deliverToChannel: transient failure", "error", err, "itemID", p.ItemID, "endpointID", endpoint.ID, "attempt", attempt)

		if attempt == s.maxAttempts {
			return
		}
		if s.clk.Now().Sub(p.OccurrenceInstant) > p.TTL {
			slog.Warn("Service.deliverToChannel: payload TTL exceeded, dropping", "itemID", p.ItemID, "endpointID", endpoint.ID)
			return
		}
		// Exponential backoff: base, 2*base, 4*base, ...
		backoff := s.backoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(backoff):
		}
	}
}
