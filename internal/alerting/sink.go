// Package alerting persists alerts raised from rule breaches, fans them out to
// notification channels and hands them to the workflow engine as events.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/metrics"
	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/storage"
)

// EventPublisher delivers synthesized events to the workflow engine.
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, event model.Event) error

func (f PublisherFunc) Publish(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// SinkConfig configures the alert sink
type SinkConfig struct {
	// DispatchTimeout bounds every channel send and the event publish.
	DispatchTimeout time.Duration
	Dedup           DedupStrategy
}

// Sink is the only writer of alerts.
type Sink struct {
	logger    *zap.Logger
	alerts    storage.AlertStore
	router    *Router
	publisher EventPublisher
	metrics   *metrics.Metrics
	config    SinkConfig

	wg  sync.WaitGroup
	now func() time.Time
}

// NewSink creates a sink. router and publisher may be nil.
func NewSink(alerts storage.AlertStore, router *Router, publisher EventPublisher, logger *zap.Logger, m *metrics.Metrics, config SinkConfig) *Sink {
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 10 * time.Second
	}
	if config.Dedup == nil {
		config.Dedup = NoDedup{}
	}
	return &Sink{
		logger:    logger.Named("alert-sink"),
		alerts:    alerts,
		router:    router,
		publisher: publisher,
		metrics:   m,
		config:    config,
		now:       time.Now,
	}
}

// Raise persists intent and returns the alert id once the row is durable.
// Notification fan-out and the alert.raised event run in the background; their
// failures are logged and counted but never returned.
func (s *Sink) Raise(ctx context.Context, intent model.AlertIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	if existing, claimed := s.config.Dedup.Claim(intent, id); !claimed {
		s.metrics.AlertSuppressed()
		s.logger.Debug("Alert coalesced",
			zap.String("alert_id", existing),
			zap.String("device_id", intent.DeviceID),
			zap.String("metric", intent.Metric))
		return existing, nil
	}

	alert := model.NewAlert(intent, id, s.now().UTC())
	if err := s.alerts.CreateAlert(ctx, alert); err != nil {
		s.config.Dedup.Release(intent, id)
		return "", fmt.Errorf("failed to persist alert: %w", err)
	}
	s.metrics.AlertRaised()

	s.logger.Info("Alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("device_id", alert.DeviceID),
		zap.String("metric", alert.Metric),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fanOut(alert)
	}()

	return alert.ID, nil
}

// Drain waits for in-flight fan-outs to finish or ctx to expire.
func (s *Sink) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanOut runs detached from the request that raised the alert.
func (s *Sink) fanOut(alert *model.Alert) {
	var wg sync.WaitGroup

	if s.router != nil {
		channels, missing := s.router.Resolve(alert.Channel)
		for _, name := range missing {
			s.metrics.Dispatch(name, false)
			s.logger.Warn("Unknown notification channel",
				zap.String("alert_id", alert.ID),
				zap.String("channel", name))
		}

		n := NewAlertNotification(alert)
		for _, ch := range channels {
			wg.Add(1)
			go func(ch NotificationChannel) {
				defer wg.Done()
				s.dispatch(ch, alert, n)
			}(ch)
		}
	}

	if s.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.publish(alert)
		}()
	}

	wg.Wait()
}

func (s *Sink) dispatch(ch NotificationChannel, alert *model.Alert, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
	defer cancel()

	if err := ch.Send(ctx, n); err != nil {
		s.metrics.Dispatch(ch.Name(), false)
		s.logger.Error("Failed to dispatch notification",
			zap.String("alert_id", alert.ID),
			zap.String("channel", ch.Name()),
			zap.Error(err))
		return
	}

	s.metrics.Dispatch(ch.Name(), true)
	s.logger.Debug("Notification dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("channel", ch.Name()))
}

func (s *Sink) publish(alert *model.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, model.NewAlertEvent(alert)); err != nil {
		s.logger.Error("Failed to publish alert event",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}
