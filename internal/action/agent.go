package action

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/rmm-automation/internal/model"
)

// AgentCommander delivers commands to device agents.
type AgentCommander interface {
	SendCommand(ctx context.Context, cmd model.AgentCommand) error
}

// targetDevice picks the explicit device id, falling back to the event's.
func targetDevice(explicit string, event model.Event) string {
	if explicit != "" {
		return explicit
	}
	return event.DeviceID()
}

// sendToAgent issues cmd through commander. A nil commander simulates delivery.
func sendToAgent(ctx context.Context, commander AgentCommander, kind model.ActionKind, deviceID, verb string, params map[string]interface{}, done string) model.ActionOutcome {
	if deviceID == "" {
		return failure(kind, "no target device: set device_id in params or event")
	}
	if commander == nil {
		return success(kind, "%s (simulated)", done)
	}

	cmd := model.AgentCommand{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Action:   verb,
		Params:   params,
		IssuedAt: time.Now().UTC(),
	}
	if err := commander.SendCommand(ctx, cmd); err != nil {
		return failure(kind, "failed to send %s command to %s: %v", verb, deviceID, err)
	}
	return success(kind, "%s (command %s)", done, cmd.ID)
}
