package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ActionKind identifies a workflow action handler.
type ActionKind string

const (
	ActionRunScript        ActionKind = "run_script"
	ActionRestartService   ActionKind = "restart_service"
	ActionIsolateDevice    ActionKind = "isolate_device"
	ActionNotify           ActionKind = "notify"
	ActionSendNotification ActionKind = "send_notification"
	ActionCreateTicket     ActionKind = "create_ticket"
)

// Canonical folds aliases onto the kind that handles them.
func (k ActionKind) Canonical() ActionKind {
	if k == ActionSendNotification {
		return ActionNotify
	}
	return k
}

// Known reports whether k belongs to the closed set of supported kinds.
func (k ActionKind) Known() bool {
	switch k.Canonical() {
	case ActionRunScript, ActionRestartService, ActionIsolateDevice, ActionNotify, ActionCreateTicket:
		return true
	}
	return false
}

// WorkflowAction is one ordered step of a workflow.
type WorkflowAction struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Position   int             `json:"position"`
	Kind       ActionKind      `json:"type"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// ConditionOperator compares an event field against a condition value.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "eq"
	OperatorNotEquals   ConditionOperator = "ne"
	OperatorContains    ConditionOperator = "contains"
	OperatorGreater     ConditionOperator = "gt"
	OperatorLess        ConditionOperator = "lt"
	OperatorGreaterOrEq ConditionOperator = "gte"
	OperatorLessOrEq    ConditionOperator = "lte"
	OperatorExists      ConditionOperator = "exists"
)

func (o ConditionOperator) valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorGreater,
		OperatorLess, OperatorGreaterOrEq, OperatorLessOrEq, OperatorExists:
		return true
	}
	return false
}

// Match modes for a Conditions document.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// Condition is a single field-match predicate over the event payload.
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    interface{}       `json:"value,omitempty" yaml:"value,omitempty"`
}

// Conditions is the predicate document attached to a workflow.
// An empty document always matches.
type Conditions struct {
	Match string      `json:"match,omitempty" yaml:"match,omitempty"`
	Rules []Condition `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// UnmarshalJSON rejects keys outside the document shape. A misplaced predicate
// would otherwise decode to an empty document that matches every event.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	type plain Conditions
	var doc plain

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return invalid("conditions", "%v", err)
	}
	*c = Conditions(doc)
	return nil
}

// IsEmpty reports whether the document has no predicates.
func (c Conditions) IsEmpty() bool {
	return len(c.Rules) == 0
}

// Validate rejects documents that would not evaluate.
func (c Conditions) Validate() error {
	switch c.Match {
	case "", MatchAll, MatchAny:
	default:
		return invalid("conditions.match", "must be all or any; got %q", c.Match)
	}
	for _, rule := range c.Rules {
		if strings.TrimSpace(rule.Field) == "" {
			return missing("conditions.rules.field")
		}
		if !rule.Operator.valid() {
			return invalid("conditions.rules.operator", "unsupported operator %q", rule.Operator)
		}
		if rule.Operator != OperatorExists && rule.Value == nil {
			return invalid("conditions.rules.value", "is required for operator %q", rule.Operator)
		}
	}
	return nil
}

// Workflow is an event-triggered, ordered list of actions.
type Workflow struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	EventType  string           `json:"event_type"`
	Conditions Conditions       `json:"conditions"`
	Actions    []WorkflowAction `json:"actions"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Validate checks the workflow invariants. Action parameters are checked
// separately by the action registry, which knows each kind's shape.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return missing("name")
	}
	if strings.TrimSpace(w.EventType) == "" {
		return missing("event_type")
	}
	if len(w.Actions) == 0 {
		return invalid("actions", "must contain at least one action")
	}
	for _, a := range w.Actions {
		if strings.TrimSpace(string(a.Kind)) == "" {
			return missing("actions.type")
		}
		if len(a.Params) > 0 && !json.Valid(a.Params) {
			return invalid("actions.params", "action %q params are not valid JSON", a.Kind)
		}
	}
	return w.Conditions.Validate()
}

// OutcomeStatus is the result class of one executed action.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeUnknown OutcomeStatus = "unknown"
)

// ActionOutcome is the structured result of executing one workflow action.
type ActionOutcome struct {
	Action  ActionKind    `json:"action"`
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message"`
}

// ExecutionResult groups the outcomes of one workflow run.
type ExecutionResult struct {
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Outcomes     []ActionOutcome `json:"results"`
	LogID        string          `json:"log_id,omitempty"`
}

// WorkflowExecutionLog is the append-only audit record of a non-test run.
// WorkflowID becomes nil once the workflow is deleted. DeliveryKey names the bus
// delivery that triggered the run, if any.
type WorkflowExecutionLog struct {
	ID          string          `json:"id"`
	WorkflowID  *string         `json:"workflow_id"`
	Event       Event           `json:"event"`
	Outcomes    []ActionOutcome `json:"results"`
	ExecutedAt  time.Time       `json:"executed_at"`
	DeliveryKey string          `json:"delivery_key,omitempty"`
}
