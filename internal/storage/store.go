package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/rmm-automation/internal/model"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// RuleStore holds administrator-defined threshold rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *model.AlertRule) error
	GetRule(ctx context.Context, id string) (*model.AlertRule, error)
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
}

// AlertStore persists raised alerts. Alerts are never updated.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, limit, offset int) ([]*model.Alert, error)
}

// WorkflowStore holds workflow definitions together with their ordered actions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	FindWorkflowByName(ctx context.Context, name string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	// ListWorkflowsByEventType returns the workflows triggered by eventType in creation order.
	ListWorkflowsByEventType(ctx context.Context, eventType string) ([]*model.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// WorkflowLogStore is the append-only audit trail of workflow executions.
type WorkflowLogStore interface {
	AppendLog(ctx context.Context, log *model.WorkflowExecutionLog) error
	// ListLogs returns the most recent logs first.
	ListLogs(ctx context.Context, limit int) ([]*model.WorkflowExecutionLog, error)
	// HasExecution reports whether workflowID already has a log for deliveryKey.
	HasExecution(ctx context.Context, deliveryKey, workflowID string) (bool, error)
}

// SampleStore keeps raw telemetry samples accepted at the ingestion boundary.
type SampleStore interface {
	StoreSample(ctx context.Context, sample *model.TelemetrySample) error
	ListSamples(ctx context.Context, deviceID string, limit int) ([]*model.TelemetrySample, error)
	DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	RuleStore
	AlertStore
	WorkflowStore
	WorkflowLogStore
	SampleStore
	Ping(ctx context.Context) error
	Close() error
}
