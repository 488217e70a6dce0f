// Package service implements the Hub's durable event pipeline: every event
// is persisted before it is published, and a background re-publisher drains
// rows the bus missed while it was down.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/events/bus"
	"github.com/meshhub/meshhub/internal/events/repository"
)

const (
	republishBatchSize = 100
	republishBaseDelay = time.Second
	republishMaxDelay  = 30 * time.Second
)

// Service is the persist-then-publish event pipeline.
type Service struct {
	repo   *repository.Repository
	bus    bus.EventBus
	logger *logger.Logger

	// lastTS tracks the newest timestamp emitted per subject so stored
	// order and bus order agree even when the wall clock stalls.
	lastTS map[string]int64
	tsMu   sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the event service. Call Start to run the re-publisher.
func New(repo *repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: log,
		lastTS: make(map[string]int64),
	}
}

// Publish persists an event and then delivers it to the bus. The event is
// durable even when the bus is down: the row stays unpublished and the
// re-publisher delivers it once the bus returns.
func (s *Service) Publish(ctx context.Context, subject, origin string, payload json.RawMessage, correlationID string) (*bus.Event, error) {
	if subject == "" {
		return nil, apperr.Validation("subject is required")
	}

	ev := bus.NewEvent(subject, origin, payload)
	ev.CorrelationID = correlationID
	ev.Timestamp = s.clampTimestamp(subject, ev.Timestamp)

	stored := repository.FromBusEvent(ev)
	if err := s.repo.Insert(ctx, stored); err != nil {
		return nil, apperr.DependencyUnavailable("event store", err)
	}

	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		// Row stays unpublished; the re-publisher picks it up.
		s.logger.Warn("Bus publish failed, event deferred",
			zap.String("subject", subject),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return ev, nil
	}

	if err := s.repo.MarkPublished(ctx, ev.ID); err != nil {
		// Worst case the re-publisher redelivers; delivery is at-least-once.
		s.logger.Warn("Failed to mark event published",
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
	return ev, nil
}

// clampTimestamp keeps per-subject timestamps strictly increasing by nudging
// a stalled clock forward one microsecond at a time.
func (s *Service) clampTimestamp(subject string, ts time.Time) time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	us := ts.UnixMicro()
	if last, ok := s.lastTS[subject]; ok && us <= last {
		us = last + 1
	}
	s.lastTS[subject] = us
	return time.UnixMicro(us).UTC()
}

// Subscribe exposes bus subscriptions to callers that hold the service.
func (s *Service) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return s.bus.Subscribe(subject, handler)
}

// Query returns stored events matching the filter.
func (s *Service) Query(ctx context.Context, f repository.Filter) ([]*repository.StoredEvent, error) {
	return s.repo.Query(ctx, f)
}

// Start launches the background re-publisher. It scans for unpublished rows
// with exponential backoff while the bus is unavailable and resets to the
// base interval after a successful drain.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		delay := republishBaseDelay
		for {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}

			if !s.bus.IsConnected() {
				delay = nextDelay(delay)
				continue
			}

			n, err := s.republishOnce(runCtx)
			if err != nil {
				s.logger.Warn("Event re-publish pass failed", zap.Error(err))
				delay = nextDelay(delay)
				continue
			}
			if n > 0 {
				s.logger.Info("Re-published deferred events", zap.Int("count", n))
			}
			delay = republishBaseDelay
		}
	}()
}

// Stop halts the re-publisher and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) republishOnce(ctx context.Context) (int, error) {
	pending, err := s.repo.ListUnpublished(ctx, republishBatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, stored := range pending {
		ev := stored.ToBusEvent()
		if err := s.bus.Publish(ctx, ev.Subject, ev); err != nil {
			// Bus dropped again mid-pass; stop and retry later in order.
			return published, err
		}
		if err := s.repo.MarkPublished(ctx, ev.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > republishMaxDelay {
		return republishMaxDelay
	}
	return d
}
