package model

import (
	"math"
	"time"
)

// TelemetrySample is one periodic reading of a device's metrics.
// A nil entry in Metrics means the metric was reported as absent.
type TelemetrySample struct {
	ID        string              `json:"id,omitempty"`
	DeviceID  string              `json:"device_id"`
	Timestamp time.Time           `json:"timestamp"`
	Metrics   map[string]*float64 `json:"metrics"`
}

// Validate checks the fields required at the ingestion boundary.
func (s *TelemetrySample) Validate() error {
	if s.DeviceID == "" {
		return missing("device_id")
	}
	if s.Timestamp.IsZero() {
		return missing("timestamp")
	}
	if s.Metrics == nil {
		return missing("metrics")
	}
	for name, v := range s.Metrics {
		if name == "" {
			return invalid("metrics", "metric name must not be empty")
		}
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return invalid("metrics", "metric %q is not a finite number", name)
		}
	}
	return nil
}

// Value returns the reading for metric and whether it is present.
func (s *TelemetrySample) Value(metric string) (float64, bool) {
	v, ok := s.Metrics[metric]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Float returns a pointer to v. Handy for building Metrics maps.
func Float(v float64) *float64 {
	return &v
}
