// Package workflow runs event-triggered remediation workflows.
//
// An execution moves through received, conditions-evaluated and then either
// skipped or actions-running followed by completed. Actions of one workflow run
// sequentially in their defined order; different workflows matched by the same
// event run concurrently.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/rmm-automation/internal/metrics"
	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/storage"
	"github.com/t77yq/rmm-automation/internal/worker"
)

// Execution states, used in logs and metrics.
const (
	StateReceived            = "received"
	StateConditionsEvaluated = "conditions-evaluated"
	StateSkipped             = "skipped"
	StateActionsRunning      = "actions-running"
	StateCompleted           = "completed"
)

// ActionExecutor validates and runs single workflow actions.
type ActionExecutor interface {
	Validate(action model.WorkflowAction) error
	Execute(ctx context.Context, action model.WorkflowAction, event model.Event) model.ActionOutcome
}

// EngineConfig configures the workflow engine
type EngineConfig struct {
	// Conditions defaults to FieldMatcher.
	Conditions ConditionEvaluator
	Metrics    *metrics.Metrics
	// MaxConcurrency caps the workflows run in parallel for one event; 0 means no cap.
	MaxConcurrency int
}

// Engine is the only writer of workflow execution logs.
type Engine struct {
	logger     *zap.Logger
	workflows  storage.WorkflowStore
	logs       storage.WorkflowLogStore
	actions    ActionExecutor
	conditions ConditionEvaluator
	metrics    *metrics.Metrics
	maxConc    int
}

// NewEngine creates a new workflow engine
func NewEngine(workflows storage.WorkflowStore, logs storage.WorkflowLogStore, actions ActionExecutor, logger *zap.Logger, config EngineConfig) *Engine {
	if config.Conditions == nil {
		config.Conditions = FieldMatcher{}
	}
	return &Engine{
		logger:     logger.Named("workflow-engine"),
		workflows:  workflows,
		logs:       logs,
		actions:    actions,
		conditions: config.Conditions,
		metrics:    config.Metrics,
		maxConc:    config.MaxConcurrency,
	}
}

// Submit runs every workflow triggered by event and returns their results in
// workflow creation order. Each completed execution is recorded in the audit
// log; a failed log write is returned.
func (e *Engine) Submit(ctx context.Context, event model.Event) ([]model.ExecutionResult, error) {
	return e.SubmitDelivery(ctx, "", event)
}

// SubmitDelivery is Submit for a redeliverable event. Workflows that already
// logged an execution for deliveryKey are skipped, so a redelivery after a
// partial failure only runs the workflows that did not complete.
func (e *Engine) SubmitDelivery(ctx context.Context, deliveryKey string, event model.Event) ([]model.ExecutionResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}

	workflows, err := e.workflows.ListWorkflowsByEventType(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	e.logger.Debug("Event received",
		zap.String("state", StateReceived),
		zap.String("event_type", event.Type),
		zap.Int("candidates", len(workflows)))

	matched := make([]*model.Workflow, 0, len(workflows))
	for _, wf := range workflows {
		ok, err := e.conditions.Match(wf.Conditions, event)
		if err != nil {
			e.logger.Warn("Failed to evaluate workflow conditions",
				zap.String("workflow_id", wf.ID),
				zap.Error(err))
		}
		if err != nil || !ok {
			e.metrics.WorkflowExecution(StateSkipped)
			e.logger.Debug("Workflow skipped",
				zap.String("state", StateSkipped),
				zap.String("workflow_id", wf.ID))
			continue
		}
		if deliveryKey != "" {
			done, err := e.logs.HasExecution(ctx, deliveryKey, wf.ID)
			if err != nil {
				return nil, err
			}
			if done {
				e.logger.Info("Workflow already executed for delivery",
					zap.String("workflow_id", wf.ID),
					zap.String("delivery_key", deliveryKey))
				continue
			}
		}
		matched = append(matched, wf)
	}

	e.logger.Debug("Conditions evaluated",
		zap.String("state", StateConditionsEvaluated),
		zap.String("event_type", event.Type),
		zap.Int("matched", len(matched)))

	results := make([]model.ExecutionResult, len(matched))
	var g errgroup.Group
	if e.maxConc > 0 {
		g.SetLimit(e.maxConc)
	}
	for i, wf := range matched {
		g.Go(func() error {
			result, err := e.execute(ctx, wf, event, deliveryKey, false)
			results[i] = result
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Test runs one workflow against event without writing an audit log.
// Conditions are not evaluated. An event without a type takes the workflow's.
func (e *Engine) Test(ctx context.Context, workflowID string, event model.Event) ([]model.ActionOutcome, error) {
	wf, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.dryRun(ctx, wf, event)
}

func (e *Engine) dryRun(ctx context.Context, wf *model.Workflow, event model.Event) ([]model.ActionOutcome, error) {
	if event.Type == "" {
		event.Type = wf.EventType
	}
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	result, err := e.execute(ctx, wf, event, "", true)
	return result.Outcomes, err
}

// CreateWorkflow validates and stores wf. When testEvent is set the new workflow
// is dry-run against it and the outcomes are returned.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *model.Workflow, testEvent *model.Event) ([]model.ActionOutcome, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	for _, action := range wf.Actions {
		if err := e.actions.Validate(action); err != nil {
			return nil, err
		}
	}

	if err := e.workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to store workflow: %w", err)
	}
	e.logger.Info("Workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.String("event_type", wf.EventType),
		zap.Int("actions", len(wf.Actions)))

	if testEvent == nil {
		return nil, nil
	}
	return e.dryRun(ctx, wf, *testEvent)
}

// GetWorkflow returns a workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := e.workflows.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns all workflows in creation order.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return e.workflows.ListWorkflows(ctx)
}

// DeleteWorkflow removes a workflow and its actions. Its logs are kept.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	if err := e.workflows.DeleteWorkflow(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return err
	}
	e.logger.Info("Workflow deleted", zap.String("workflow_id", id))
	return nil
}

func (e *Engine) execute(ctx context.Context, wf *model.Workflow, event model.Event, deliveryKey string, test bool) (model.ExecutionResult, error) {
	result := model.ExecutionResult{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Outcomes:     make([]model.ActionOutcome, 0, len(wf.Actions)),
	}

	e.logger.Debug("Running workflow actions",
		zap.String("state", StateActionsRunning),
		zap.String("workflow_id", wf.ID),
		zap.Bool("test", test))

	for _, action := range wf.Actions {
		outcome := e.actions.Execute(ctx, action, event)
		e.metrics.ActionOutcome(string(action.Kind.Canonical()), string(outcome.Status))
		if outcome.Status != model.OutcomeSuccess {
			e.logger.Warn("Workflow action did not succeed",
				zap.String("workflow_id", wf.ID),
				zap.Int("position", action.Position),
				zap.String("action", string(action.Kind)),
				zap.String("status", string(outcome.Status)),
				zap.String("message", outcome.Message))
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if test {
		return result, nil
	}

	workflowID := wf.ID
	entry := &model.WorkflowExecutionLog{
		WorkflowID:  &workflowID,
		Event:       event,
		Outcomes:    result.Outcomes,
		DeliveryKey: deliveryKey,
	}
	// The actions already ran; the audit record is written even if the caller went away.
	if err := e.logs.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		return result, fmt.Errorf("failed to record execution of workflow %s: %w", wf.ID, err)
	}
	result.LogID = entry.ID

	e.metrics.WorkflowExecution(StateCompleted)
	e.logger.Info("Workflow completed",
		zap.String("state", StateCompleted),
		zap.String("workflow_id", wf.ID),
		zap.String("event_type", event.Type),
		zap.Int("actions", len(result.Outcomes)),
		zap.String("log_id", entry.ID))
	return result, nil
}

// TaskSubmitter accepts detached tasks, e.g. *worker.Pool.
type TaskSubmitter interface {
	Submit(task worker.Task) error
}

// AsyncSubmit returns a publish function that queues event for Submit on pool
// instead of running it inline. When the pool is full or already stopped the
// event runs inline so a published event is never lost.
func (e *Engine) AsyncSubmit(pool TaskSubmitter) func(ctx context.Context, event model.Event) error {
	return func(ctx context.Context, event model.Event) error {
		err := pool.Submit(worker.Task{
			Name: "workflow_event",
			Run: func(ctx context.Context) error {
				_, err := e.Submit(ctx, event)
				return err
			},
		})
		if !errors.Is(err, worker.ErrPoolStopped) && !errors.Is(err, worker.ErrQueueFull) {
			return err
		}

		e.logger.Debug("Running event inline",
			zap.String("event_type", event.Type),
			zap.String("reason", err.Error()))
		_, err = e.Submit(ctx, event)
		return err
	}
}
