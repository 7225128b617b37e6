// Package evaluator turns telemetry samples into alert intents by checking them
// against the configured threshold rules.
package evaluator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// genericSuggestion is used when neither the rule nor the default table has one.
const genericSuggestion = "Investigate the device and review recent changes"

var defaultSuggestions = map[string]string{
	"cpu":         "Check for runaway processes and consider scaling CPU resources",
	"memory":      "Look for memory leaks or restart memory-heavy services",
	"disk":        "Free up disk space by clearing logs and temporary files",
	"network":     "Inspect network interfaces and upstream connectivity",
	"temperature": "Verify cooling and airflow around the device",
}

// Evaluate returns one AlertIntent per rule breached by sample. Rules whose metric
// is absent from the sample are skipped. It has no side effects.
func Evaluate(sample *model.TelemetrySample, rules []*model.AlertRule) []model.AlertIntent {
	intents := make([]model.AlertIntent, 0)
	if sample == nil {
		return intents
	}

	for _, rule := range rules {
		if rule == nil {
			continue
		}
		value, ok := sample.Value(rule.Metric)
		if !ok {
			continue
		}
		if !rule.Comparison.Breached(value, rule.Threshold) {
			continue
		}

		ruleID := rule.ID
		intents = append(intents, model.AlertIntent{
			DeviceID:    sample.DeviceID,
			Metric:      rule.Metric,
			Value:       value,
			Threshold:   rule.Threshold,
			RuleID:      &ruleID,
			Suggestion:  Suggestion(rule),
			Description: Description(rule),
			Channel:     rule.Channel,
		})
	}
	return intents
}

// Suggestion resolves the remediation hint for rule.
func Suggestion(rule *model.AlertRule) string {
	if rule.Suggestion != "" {
		return rule.Suggestion
	}
	if s, ok := defaultSuggestions[rule.Metric]; ok {
		return s
	}
	return genericSuggestion
}

// Description resolves the human-readable breach description for rule.
func Description(rule *model.AlertRule) string {
	if rule.Description != "" {
		return rule.Description
	}
	return fmt.Sprintf("%s %s threshold %s",
		rule.Metric, rule.Comparison, strconv.FormatFloat(rule.Threshold, 'f', -1, 64))
}

// RuleSource provides the current rule set. It is read on every evaluation so
// rule changes take effect without coordination.
type RuleSource interface {
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
}

// Evaluator binds Evaluate to a RuleSource.
type Evaluator struct {
	logger *zap.Logger
	rules  RuleSource
}

// New creates an Evaluator reading rules from source.
func New(logger *zap.Logger, source RuleSource) *Evaluator {
	return &Evaluator{
		logger: logger.Named("evaluator"),
		rules:  source,
	}
}

// EvaluateSample loads the rule set and evaluates sample against it. It only
// fails when the rules cannot be loaded.
func (e *Evaluator) EvaluateSample(ctx context.Context, sample *model.TelemetrySample) ([]model.AlertIntent, error) {
	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}

	intents := Evaluate(sample, rules)
	if len(intents) > 0 {
		e.logger.Debug("Sample breached rules",
			zap.String("device_id", sample.DeviceID),
			zap.Int("rules", len(rules)),
			zap.Int("breaches", len(intents)))
	}
	return intents, nil
}
