package action

import (
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/model"
)

// Dependencies are the collaborators of the built-in handlers. Any of them may
// be nil; the affected handlers then simulate their side effect.
type Dependencies struct {
	Commander     AgentCommander
	Docker        ContainerRestarter
	Router        *alerting.Router
	Ticket        TicketConfig
	NotifyTimeout time.Duration
	AllowLocal    bool
}

// RegisterBuiltins registers the handlers for every known action kind.
func RegisterBuiltins(r *Registry, logger *zap.Logger, deps Dependencies) {
	r.RegisterHandler(model.ActionRunScript, NewRunScriptHandler(logger, deps.Commander, deps.AllowLocal))
	r.RegisterHandler(model.ActionRestartService, NewRestartServiceHandler(logger, deps.Commander, deps.Docker))
	r.RegisterHandler(model.ActionIsolateDevice, NewIsolateDeviceHandler(logger, deps.Commander))
	r.RegisterHandler(model.ActionNotify, NewNotifyHandler(logger, deps.Router, deps.NotifyTimeout))
	r.RegisterHandler(model.ActionCreateTicket, NewCreateTicketHandler(logger, deps.Ticket, nil))
}
