package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

const maxOutput = 4096

// RunScriptParams are the parameters of a run_script action.
type RunScriptParams struct {
	Script   string            `json:"script"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	DeviceID string            `json:"device_id,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
	// Local runs the script on the automation host instead of the device agent.
	Local bool `json:"local,omitempty"`
}

// RunScriptHandler runs a script on a device agent or, when asked, locally.
type RunScriptHandler struct {
	logger    *zap.Logger
	commander AgentCommander
	// allowLocal gates local execution on the automation host.
	allowLocal bool
}

// NewRunScriptHandler creates a new run_script handler
func NewRunScriptHandler(logger *zap.Logger, commander AgentCommander, allowLocal bool) *RunScriptHandler {
	return &RunScriptHandler{
		logger:     logger.Named("run-script"),
		commander:  commander,
		allowLocal: allowLocal,
	}
}

func (h *RunScriptHandler) Validate(params json.RawMessage) error {
	var p RunScriptParams
	if err := decode(params, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Script) == "" {
		return errors.New("script is required")
	}
	if p.Local && !h.allowLocal {
		return errors.New("local execution is disabled")
	}
	return nil
}

func (h *RunScriptHandler) Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome {
	var p RunScriptParams
	if err := decode(params, &p); err != nil {
		return failure(model.ActionRunScript, "%v", err)
	}
	if p.Local {
		if !h.allowLocal {
			return failure(model.ActionRunScript, "local execution is disabled")
		}
		return h.runLocal(ctx, p)
	}

	deviceID := targetDevice(p.DeviceID, event)
	cmdParams := map[string]interface{}{"script": p.Script}
	if len(p.Args) > 0 {
		cmdParams["args"] = p.Args
	}
	if p.Timeout > 0 {
		cmdParams["timeout"] = time.Duration(p.Timeout).String()
	}
	return sendToAgent(ctx, h.commander, model.ActionRunScript, deviceID, "run_script", cmdParams,
		fmt.Sprintf("Script %s dispatched to %s", p.Script, deviceID))
}

func (h *RunScriptHandler) runLocal(ctx context.Context, p RunScriptParams) model.ActionOutcome {
	cmdCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout))
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, p.Script, p.Args...)
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	h.logger.Info("Executing local script",
		zap.String("script", p.Script),
		zap.Strings("args", p.Args))

	output, err := cmd.CombinedOutput()
	out := truncate(strings.TrimSpace(string(output)))
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return failure(model.ActionRunScript, "script execution timed out")
		}
		if out == "" {
			out = err.Error()
		}
		return failure(model.ActionRunScript, "script failed: %s", out)
	}
	return success(model.ActionRunScript, "Script %s completed: %s", p.Script, out)
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "..."
}
