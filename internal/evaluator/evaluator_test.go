package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

func sample(metrics map[string]*float64) *model.TelemetrySample {
	return &model.TelemetrySample{DeviceID: "d1", Timestamp: time.Now(), Metrics: metrics}
}

func TestEvaluate_CPUBreach(t *testing.T) {
	rules := []*model.AlertRule{{ID: "r1", Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 85}}

	intents := Evaluate(sample(map[string]*float64{"cpu": model.Float(92)}), rules)

	require.Len(t, intents, 1)
	intent := intents[0]
	assert.Equal(t, "d1", intent.DeviceID)
	assert.Equal(t, "cpu", intent.Metric)
	assert.Equal(t, 92.0, intent.Value)
	assert.Equal(t, 85.0, intent.Threshold)
	require.NotNil(t, intent.RuleID)
	assert.Equal(t, "r1", *intent.RuleID)
	assert.Equal(t, defaultSuggestions["cpu"], intent.Suggestion)
	assert.Equal(t, "cpu gt threshold 85", intent.Description)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		metrics  map[string]*float64
		rule     model.AlertRule
		breaches int
	}{
		{
			name:     "lt breached",
			metrics:  map[string]*float64{"disk_free": model.Float(5)},
			rule:     model.AlertRule{Metric: "disk_free", Comparison: model.ComparisonLess, Threshold: 10},
			breaches: 1,
		},
		{
			name:    "equal is not a breach",
			metrics: map[string]*float64{"cpu": model.Float(85)},
			rule:    model.AlertRule{Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 85},
		},
		{
			name:    "absent metric skipped",
			metrics: map[string]*float64{"memory": model.Float(99)},
			rule:    model.AlertRule{Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 85},
		},
		{
			name:    "null metric skipped",
			metrics: map[string]*float64{"cpu": nil},
			rule:    model.AlertRule{Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 85},
		},
		{
			name:    "unknown comparison never breaches",
			metrics: map[string]*float64{"cpu": model.Float(99)},
			rule:    model.AlertRule{Metric: "cpu", Comparison: "gte", Threshold: 85},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			intents := Evaluate(sample(tt.metrics), []*model.AlertRule{&rule})
			assert.Len(t, intents, tt.breaches)
		})
	}
}

func TestEvaluate_EmptyRuleSet(t *testing.T) {
	intents := Evaluate(sample(map[string]*float64{"cpu": model.Float(99)}), nil)
	assert.NotNil(t, intents)
	assert.Empty(t, intents)
}

func TestEvaluate_MultipleRulesSameMetric(t *testing.T) {
	rules := []*model.AlertRule{
		{ID: "warn", Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 70},
		{ID: "crit", Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 90},
		{ID: "low", Metric: "cpu", Comparison: model.ComparisonLess, Threshold: 5},
	}

	intents := Evaluate(sample(map[string]*float64{"cpu": model.Float(95)}), rules)
	require.Len(t, intents, 2)
	assert.Equal(t, "warn", *intents[0].RuleID)
	assert.Equal(t, "crit", *intents[1].RuleID)
}

func TestSuggestionFallbacks(t *testing.T) {
	assert.Equal(t, "restart it", Suggestion(&model.AlertRule{Metric: "cpu", Suggestion: "restart it"}))
	assert.Equal(t, defaultSuggestions["disk"], Suggestion(&model.AlertRule{Metric: "disk"}))
	assert.Equal(t, genericSuggestion, Suggestion(&model.AlertRule{Metric: "fan_rpm"}))

	assert.Equal(t, "custom", Description(&model.AlertRule{Description: "custom"}))
	assert.Equal(t, "memory lt threshold 12.5",
		Description(&model.AlertRule{Metric: "memory", Comparison: model.ComparisonLess, Threshold: 12.5}))
}

type ruleSource struct {
	mu    sync.RWMutex
	rules []*model.AlertRule
	err   error
}

func (s *ruleSource) ListRules(context.Context) ([]*model.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules, s.err
}

func (s *ruleSource) set(rules []*model.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func TestEvaluator_EvaluateSample(t *testing.T) {
	source := &ruleSource{}
	e := New(zap.NewNop(), source)
	s := sample(map[string]*float64{"cpu": model.Float(92)})

	intents, err := e.EvaluateSample(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, intents)

	source.set([]*model.AlertRule{{Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: 85}})
	intents, err = e.EvaluateSample(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestEvaluator_RuleSourceFailure(t *testing.T) {
	e := New(zap.NewNop(), &ruleSource{err: errors.New("db down")})

	_, err := e.EvaluateSample(context.Background(), sample(map[string]*float64{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load alert rules")
}

func TestEvaluator_ConcurrentRuleChanges(t *testing.T) {
	source := &ruleSource{}
	e := New(zap.NewNop(), source)
	s := sample(map[string]*float64{"cpu": model.Float(92)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.EvaluateSample(context.Background(), s)
			assert.NoError(t, err)
		}()
		go func(threshold float64) {
			defer wg.Done()
			source.set([]*model.AlertRule{{Metric: "cpu", Comparison: model.ComparisonGreater, Threshold: threshold}})
		}(float64(80 + i))
	}
	wg.Wait()
}
