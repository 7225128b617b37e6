package model

import "time"

// EventSchedule fires an Event of EventType on every tick of Expression.
type EventSchedule struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Expression  string                 `json:"expression" yaml:"expression"`
	EventType   string                 `json:"event_type" yaml:"event_type"`
	Payload     map[string]interface{} `json:"payload,omitempty" yaml:"payload"`
	LastRunTime *time.Time             `json:"last_run_time,omitempty" yaml:"-"`
	NextRunTime *time.Time             `json:"next_run_time,omitempty" yaml:"-"`
	CreatedAt   time.Time              `json:"created_at" yaml:"-"`
}

// Validate checks the fields required to register the schedule.
func (s *EventSchedule) Validate() error {
	if s.Name == "" {
		return missing("name")
	}
	if s.Expression == "" {
		return missing("expression")
	}
	if s.EventType == "" {
		return missing("event_type")
	}
	return nil
}

// Event builds the event fired at t.
func (s *EventSchedule) Event(t time.Time) Event {
	ev := NewEvent(s.EventType)
	for k, v := range s.Payload {
		ev.Payload[k] = v
	}
	ev.Payload["schedule_id"] = s.ID
	ev.Payload["schedule_name"] = s.Name
	ev.Payload["fired_at"] = t.UTC().Format(time.RFC3339)
	return ev
}
