package model

import (
	"math"
	"time"
)

// Comparison is the operator an AlertRule applies between a reading and its threshold.
type Comparison string

const (
	ComparisonGreater Comparison = "gt"
	ComparisonLess    Comparison = "lt"
)

// Valid reports whether c is one of the supported operators.
func (c Comparison) Valid() bool {
	return c == ComparisonGreater || c == ComparisonLess
}

// Breached reports whether value violates threshold under c.
func (c Comparison) Breached(value, threshold float64) bool {
	switch c {
	case ComparisonGreater:
		return value > threshold
	case ComparisonLess:
		return value < threshold
	default:
		return false
	}
}

// AlertRule defines a threshold on a single metric
type AlertRule struct {
	ID          string     `json:"id"`
	Metric      string     `json:"metric"`
	Comparison  Comparison `json:"comparison"`
	Threshold   float64    `json:"threshold"`
	Channel     string     `json:"channel,omitempty"`
	Suggestion  string     `json:"suggestion,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks the rule invariants.
func (r *AlertRule) Validate() error {
	if r.Metric == "" {
		return missing("metric")
	}
	if !r.Comparison.Valid() {
		return invalid("comparison", "must be one of gt, lt; got %q", r.Comparison)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return invalid("threshold", "must be a finite number")
	}
	return nil
}

// AlertIntent describes a detected breach that has not been persisted yet.
type AlertIntent struct {
	DeviceID    string  `json:"device_id"`
	Metric      string  `json:"metric"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	RuleID      *string `json:"rule_id,omitempty"`
	Suggestion  string  `json:"suggestion,omitempty"`
	Description string  `json:"description,omitempty"`
	Channel     string  `json:"channel,omitempty"`
}

// Validate checks the fields required to raise an alert.
func (i *AlertIntent) Validate() error {
	if i.DeviceID == "" {
		return missing("device_id")
	}
	if i.Metric == "" {
		return missing("metric")
	}
	if math.IsNaN(i.Value) || math.IsInf(i.Value, 0) {
		return invalid("value", "must be a finite number")
	}
	if math.IsNaN(i.Threshold) || math.IsInf(i.Threshold, 0) {
		return invalid("threshold", "must be a finite number")
	}
	return nil
}

// Alert is a persisted breach. Alerts are immutable once created.
type Alert struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	RuleID      *string   `json:"rule_id,omitempty"`
	Suggestion  string    `json:"suggestion,omitempty"`
	Description string    `json:"description,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAlert materialises intent as an Alert with the given id and creation time.
func NewAlert(intent AlertIntent, id string, createdAt time.Time) *Alert {
	return &Alert{
		ID:          id,
		DeviceID:    intent.DeviceID,
		Metric:      intent.Metric,
		Value:       intent.Value,
		Threshold:   intent.Threshold,
		RuleID:      intent.RuleID,
		Suggestion:  intent.Suggestion,
		Description: intent.Description,
		Channel:     intent.Channel,
		CreatedAt:   createdAt,
	}
}
