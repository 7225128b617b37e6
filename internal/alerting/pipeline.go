package alerting

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// IntentSource produces the alert intents for a sample.
type IntentSource interface {
	EvaluateSample(ctx context.Context, sample *model.TelemetrySample) ([]model.AlertIntent, error)
}

// Pipeline connects rule evaluation to the sink.
type Pipeline struct {
	logger  *zap.Logger
	intents IntentSource
	sink    *Sink
}

func NewPipeline(intents IntentSource, sink *Sink, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger:  logger.Named("alert-pipeline"),
		intents: intents,
		sink:    sink,
	}
}

// Process evaluates sample and raises every resulting intent. A failed raise
// does not stop the remaining ones; all failures are joined in the result.
func (p *Pipeline) Process(ctx context.Context, sample *model.TelemetrySample) ([]string, error) {
	intents, err := p.intents.EvaluateSample(ctx, sample)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(intents))
	var errs []error
	for _, intent := range intents {
		id, err := p.sink.Raise(ctx, intent)
		if err != nil {
			errs = append(errs, fmt.Errorf("metric %s: %w", intent.Metric, err))
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) > 0 {
		p.logger.Info("Sample raised alerts",
			zap.String("device_id", sample.DeviceID),
			zap.Int("alerts", len(ids)))
	}
	return ids, errors.Join(errs...)
}
