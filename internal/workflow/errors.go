package workflow

import "errors"

// ErrWorkflowNotFound is returned when a workflow id matches no definition.
var ErrWorkflowNotFound = errors.New("workflow not found")
