// Package ingest accepts telemetry samples and schedules their evaluation.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/metrics"
	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/storage"
	"github.com/t77yq/rmm-automation/internal/worker"
)

const evaluateTask = "evaluate_sample"

// SampleProcessor turns a stored sample into alerts.
type SampleProcessor interface {
	Process(ctx context.Context, sample *model.TelemetrySample) ([]string, error)
}

// TaskSubmitter queues background work, e.g. *worker.Pool.
type TaskSubmitter interface {
	Submit(task worker.Task) error
}

// Service is the ingestion boundary for telemetry.
type Service struct {
	logger    *zap.Logger
	samples   storage.SampleStore
	pool      TaskSubmitter
	processor SampleProcessor
	metrics   *metrics.Metrics
}

func NewService(samples storage.SampleStore, pool TaskSubmitter, processor SampleProcessor, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		logger:    logger.Named("ingest"),
		samples:   samples,
		pool:      pool,
		processor: processor,
		metrics:   m,
	}
}

// Ingest validates and persists sample, then queues its evaluation. The
// returned id is the stored sample's. A full evaluation queue does not fail
// the call; the evaluation is dropped and counted.
func (s *Service) Ingest(ctx context.Context, sample *model.TelemetrySample) (string, error) {
	if sample == nil {
		return "", &model.ValidationError{Field: "sample", Message: "is required"}
	}
	if err := sample.Validate(); err != nil {
		return "", err
	}

	if err := s.samples.StoreSample(ctx, sample); err != nil {
		return "", fmt.Errorf("failed to store sample: %w", err)
	}
	s.metrics.SampleIngested()

	err := s.pool.Submit(worker.Task{
		Name: evaluateTask,
		Run: func(ctx context.Context) error {
			_, err := s.processor.Process(ctx, sample)
			return err
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		s.logger.Warn("Dropped sample evaluation",
			zap.String("sample_id", sample.ID),
			zap.String("device_id", sample.DeviceID),
			zap.Error(err))
	default:
		return sample.ID, fmt.Errorf("failed to queue evaluation: %w", err)
	}

	s.logger.Debug("Sample ingested",
		zap.String("sample_id", sample.ID),
		zap.String("device_id", sample.DeviceID),
		zap.Int("metrics", len(sample.Metrics)))
	return sample.ID, nil
}
