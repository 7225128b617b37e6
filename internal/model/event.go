package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventTypeAlertRaised is the type of the event synthesized for every persisted alert.
const EventTypeAlertRaised = "alert.raised"

// eventTypeKey is the wire name of Event.Type. All other top-level keys are payload.
const eventTypeKey = "event_type"

// Event is an inbound trigger for the workflow engine.
//
// On the wire an event is a flat JSON object: "event_type" names the type and every
// other key is part of the payload, e.g. {"event_type":"disk_full","device_id":"d1"}.
type Event struct {
	Type    string
	Payload map[string]interface{}
}

// NewEvent returns an event of the given type with an empty payload.
func NewEvent(eventType string) Event {
	return Event{Type: eventType, Payload: make(map[string]interface{})}
}

// Validate checks the event invariants.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return missing(eventTypeKey)
	}
	return nil
}

// Field resolves a payload value. Dotted names descend into nested objects.
func (e *Event) Field(name string) (interface{}, bool) {
	if name == eventTypeKey {
		return e.Type, true
	}
	var cur interface{} = e.Payload
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// DeviceID returns the optional device_id payload field.
func (e *Event) DeviceID() string {
	v, ok := e.Payload["device_id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// MarshalJSON flattens the payload next to event_type.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat[eventTypeKey] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON accepts the flat wire form. A nested "payload" object is merged
// into the payload so both shapes are accepted.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	e.Type = ""
	e.Payload = make(map[string]interface{}, len(flat))
	for k, v := range flat {
		switch k {
		case eventTypeKey:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("event_type must be a string, got %T", v)
			}
			e.Type = s
		case "payload":
			nested, ok := v.(map[string]interface{})
			if !ok {
				e.Payload[k] = v
				continue
			}
			for nk, nv := range nested {
				e.Payload[nk] = nv
			}
		default:
			e.Payload[k] = v
		}
	}
	return nil
}

// NewAlertEvent synthesizes the alert.raised event for a persisted alert.
func NewAlertEvent(alert *Alert) Event {
	ev := NewEvent(EventTypeAlertRaised)
	ev.Payload["alert_id"] = alert.ID
	ev.Payload["device_id"] = alert.DeviceID
	ev.Payload["metric"] = alert.Metric
	ev.Payload["value"] = alert.Value
	ev.Payload["threshold"] = alert.Threshold
	ev.Payload["suggestion"] = alert.Suggestion
	ev.Payload["description"] = alert.Description
	if alert.RuleID != nil {
		ev.Payload["rule_id"] = *alert.RuleID
	}
	ev.Payload["created_at"] = alert.CreatedAt
	return ev
}
