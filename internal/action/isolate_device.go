package action

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// IsolateDeviceParams are the parameters of an isolate_device action.
type IsolateDeviceParams struct {
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// IsolateDeviceHandler asks a device agent to cut the device off the network.
type IsolateDeviceHandler struct {
	logger    *zap.Logger
	commander AgentCommander
}

func NewIsolateDeviceHandler(logger *zap.Logger, commander AgentCommander) *IsolateDeviceHandler {
	return &IsolateDeviceHandler{
		logger:    logger.Named("isolate-device"),
		commander: commander,
	}
}

func (h *IsolateDeviceHandler) Validate(params json.RawMessage) error {
	var p IsolateDeviceParams
	return decode(params, &p)
}

func (h *IsolateDeviceHandler) Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome {
	var p IsolateDeviceParams
	if err := decode(params, &p); err != nil {
		return failure(model.ActionIsolateDevice, "%v", err)
	}

	deviceID := targetDevice(p.DeviceID, event)
	h.logger.Info("Isolating device", zap.String("device_id", deviceID), zap.String("reason", p.Reason))

	cmdParams := map[string]interface{}{}
	if p.Reason != "" {
		cmdParams["reason"] = p.Reason
	}
	return sendToAgent(ctx, h.commander, model.ActionIsolateDevice, deviceID, "isolate", cmdParams,
		fmt.Sprintf("Device %s isolated", deviceID))
}
