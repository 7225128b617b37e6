// Package action executes workflow actions. Every handler reports a structured
// outcome; expected failures never surface as Go errors.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// Handler performs one action kind.
type Handler interface {
	// Validate checks that params parse against the handler's parameter shape.
	Validate(params json.RawMessage) error
	// Execute performs the action. params have already had event placeholders expanded.
	Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome
}

// Registry dispatches actions to handlers keyed by kind.
type Registry struct {
	logger       *zap.Logger
	allowUnknown bool

	mu       sync.RWMutex
	handlers map[model.ActionKind]Handler
}

// NewRegistry creates an empty registry. With allowUnknown set, workflows may
// store kinds that have no handler; they execute with status unknown.
func NewRegistry(logger *zap.Logger, allowUnknown bool) *Registry {
	return &Registry{
		logger:       logger.Named("actions"),
		allowUnknown: allowUnknown,
		handlers:     make(map[model.ActionKind]Handler),
	}
}

// RegisterHandler registers the handler for kind.
func (r *Registry) RegisterHandler(kind model.ActionKind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind.Canonical()] = handler
}

func (r *Registry) handler(kind model.ActionKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind.Canonical()]
	return h, ok
}

// Validate checks action params against the handler for the action's kind.
func (r *Registry) Validate(action model.WorkflowAction) error {
	h, ok := r.handler(action.Kind)
	if !ok {
		if r.allowUnknown {
			return nil
		}
		return &model.ValidationError{Field: "actions.type", Message: fmt.Sprintf("unknown action kind %q", action.Kind)}
	}
	if err := h.Validate(action.Params); err != nil {
		return &model.ValidationError{Field: "actions.params", Message: fmt.Sprintf("%s: %v", action.Kind, err)}
	}
	return nil
}

// Execute runs action against event. Unknown kinds yield status unknown and a
// panicking handler yields status failure.
func (r *Registry) Execute(ctx context.Context, action model.WorkflowAction, event model.Event) (outcome model.ActionOutcome) {
	h, ok := r.handler(action.Kind)
	if !ok {
		r.logger.Warn("Unknown action kind", zap.String("action", string(action.Kind)))
		return model.ActionOutcome{
			Action:  action.Kind,
			Status:  model.OutcomeUnknown,
			Message: fmt.Sprintf("unknown action kind %q", action.Kind),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Action handler panicked",
				zap.String("action", string(action.Kind)),
				zap.Any("panic", rec))
			outcome = failure(action.Kind, "handler panicked: %v", rec)
		}
	}()

	params, err := expand(action.Params, event)
	if err != nil {
		return failure(action.Kind, "invalid params: %v", err)
	}

	outcome = h.Execute(ctx, params, event)
	outcome.Action = action.Kind
	return outcome
}

func success(kind model.ActionKind, format string, args ...interface{}) model.ActionOutcome {
	return model.ActionOutcome{Action: kind, Status: model.OutcomeSuccess, Message: fmt.Sprintf(format, args...)}
}

func failure(kind model.ActionKind, format string, args ...interface{}) model.ActionOutcome {
	return model.ActionOutcome{Action: kind, Status: model.OutcomeFailure, Message: fmt.Sprintf(format, args...)}
}
