package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// Service runtimes understood by restart_service.
const (
	RuntimeAgent  = "agent"
	RuntimeDocker = "docker"
)

// RestartServiceParams are the parameters of a restart_service action.
type RestartServiceParams struct {
	Service   string `json:"service"`
	Runtime   string `json:"runtime,omitempty"`
	Container string `json:"container,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	// StopTimeout is the grace period in seconds before the container is killed.
	StopTimeout *int `json:"stop_timeout,omitempty"`
}

// ContainerRestarter is the subset of the Docker client used to restart containers.
type ContainerRestarter interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// RestartServiceHandler restarts a service through the device agent or a
// container through the Docker API.
type RestartServiceHandler struct {
	logger    *zap.Logger
	commander AgentCommander
	docker    ContainerRestarter
}

// NewRestartServiceHandler creates the handler. docker may be nil when container
// restarts are disabled.
func NewRestartServiceHandler(logger *zap.Logger, commander AgentCommander, docker ContainerRestarter) *RestartServiceHandler {
	return &RestartServiceHandler{
		logger:    logger.Named("restart-service"),
		commander: commander,
		docker:    docker,
	}
}

func (h *RestartServiceHandler) Validate(params json.RawMessage) error {
	var p RestartServiceParams
	if err := decode(params, &p); err != nil {
		return err
	}
	switch p.Runtime {
	case "", RuntimeAgent:
		if p.Service == "" {
			return errors.New("service is required")
		}
	case RuntimeDocker:
		if p.Container == "" && p.Service == "" {
			return errors.New("container or service is required")
		}
	default:
		return fmt.Errorf("unsupported runtime %q", p.Runtime)
	}
	return nil
}

func (h *RestartServiceHandler) Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome {
	var p RestartServiceParams
	if err := decode(params, &p); err != nil {
		return failure(model.ActionRestartService, "%v", err)
	}

	if p.Runtime == RuntimeDocker {
		return h.restartContainer(ctx, p)
	}

	deviceID := targetDevice(p.DeviceID, event)
	return sendToAgent(ctx, h.commander, model.ActionRestartService, deviceID, "restart_service",
		map[string]interface{}{"service": p.Service},
		fmt.Sprintf("Restart of %s requested on %s", p.Service, deviceID))
}

func (h *RestartServiceHandler) restartContainer(ctx context.Context, p RestartServiceParams) model.ActionOutcome {
	name := p.Container
	if name == "" {
		name = p.Service
	}
	if h.docker == nil {
		return failure(model.ActionRestartService, "docker runtime is not enabled")
	}

	h.logger.Info("Restarting container", zap.String("container", name))
	if err := h.docker.ContainerRestart(ctx, name, container.StopOptions{Timeout: p.StopTimeout}); err != nil {
		return failure(model.ActionRestartService, "failed to restart container %s: %v", name, err)
	}
	return success(model.ActionRestartService, "Container %s restarted", name)
}
