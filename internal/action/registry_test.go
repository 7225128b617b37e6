package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/model"
)

type recordingCommander struct {
	mu       sync.Mutex
	commands []model.AgentCommand
	err      error
}

func (c *recordingCommander) SendCommand(_ context.Context, cmd model.AgentCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	return c.err
}

type fakeDocker struct {
	restarted []string
	err       error
}

func (d *fakeDocker) ContainerRestart(_ context.Context, id string, _ container.StopOptions) error {
	d.restarted = append(d.restarted, id)
	return d.err
}

type panicHandler struct{}

func (panicHandler) Validate(json.RawMessage) error { return nil }

func (panicHandler) Execute(context.Context, json.RawMessage, model.Event) model.ActionOutcome {
	panic("boom")
}

func diskEvent() model.Event {
	ev := model.NewEvent("disk_full")
	ev.Payload["device_id"] = "d1"
	ev.Payload["usage"] = 97.5
	return ev
}

func act(kind model.ActionKind, params string) model.WorkflowAction {
	return model.WorkflowAction{Kind: kind, Params: json.RawMessage(params)}
}

func newRegistry(deps Dependencies) *Registry {
	r := NewRegistry(zap.NewNop(), true)
	RegisterBuiltins(r, zap.NewNop(), deps)
	return r
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := newRegistry(Dependencies{})

	outcome := r.Execute(context.Background(), act("reboot_universe", `{}`), diskEvent())
	assert.Equal(t, model.OutcomeUnknown, outcome.Status)
	assert.Equal(t, model.ActionKind("reboot_universe"), outcome.Action)

	assert.NoError(t, r.Validate(act("reboot_universe", `{}`)))

	strict := NewRegistry(zap.NewNop(), false)
	assert.ErrorIs(t, strict.Validate(act("reboot_universe", `{}`)), model.ErrValidation)
}

func TestRegistry_SimulatedSuccess(t *testing.T) {
	r := newRegistry(Dependencies{})

	for _, a := range []model.WorkflowAction{
		act(model.ActionIsolateDevice, `{}`),
		act(model.ActionNotify, `{"message":"disk full on {{device_id}}"}`),
		act(model.ActionSendNotification, `{}`),
		act(model.ActionRunScript, `{"script":"cleanup.sh"}`),
		act(model.ActionRestartService, `{"service":"nginx"}`),
		act(model.ActionCreateTicket, `{"title":"Disk full on {{device_id}}"}`),
	} {
		outcome := r.Execute(context.Background(), a, diskEvent())
		assert.Equal(t, model.OutcomeSuccess, outcome.Status, "%s: %s", a.Kind, outcome.Message)
		assert.Equal(t, a.Kind, outcome.Action)
	}
}

func TestRegistry_PanicBecomesFailure(t *testing.T) {
	r := NewRegistry(zap.NewNop(), true)
	r.RegisterHandler("explode", panicHandler{})

	outcome := r.Execute(context.Background(), act("explode", `{}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "boom")
}

func TestRegistry_Validate(t *testing.T) {
	r := newRegistry(Dependencies{})

	assert.NoError(t, r.Validate(act(model.ActionRunScript, `{"script":"a.sh","timeout":"30s"}`)))
	assert.ErrorIs(t, r.Validate(act(model.ActionRunScript, `{}`)), model.ErrValidation)
	assert.ErrorIs(t, r.Validate(act(model.ActionRunScript, `{"script":"a.sh","bogus":1}`)), model.ErrValidation)
	assert.ErrorIs(t, r.Validate(act(model.ActionRunScript, `{"script":"a.sh","local":true}`)), model.ErrValidation)
	assert.ErrorIs(t, r.Validate(act(model.ActionRestartService, `{"runtime":"k8s","service":"x"}`)), model.ErrValidation)
	assert.ErrorIs(t, r.Validate(act(model.ActionCreateTicket, `{"priority":"urgent"}`)), model.ErrValidation)
	assert.NoError(t, r.Validate(act(model.ActionSendNotification, `{"channel":"email"}`)))
}

func TestAgentCommands(t *testing.T) {
	commander := &recordingCommander{}
	r := newRegistry(Dependencies{Commander: commander})

	outcome := r.Execute(context.Background(), act(model.ActionIsolateDevice, `{"reason":"usage {{usage}}"}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status)

	outcome = r.Execute(context.Background(),
		act(model.ActionRestartService, `{"service":"spooler","device_id":"d9"}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status)

	require.Len(t, commander.commands, 2)
	assert.Equal(t, "d1", commander.commands[0].DeviceID)
	assert.Equal(t, "isolate", commander.commands[0].Action)
	assert.Equal(t, "usage 97.5", commander.commands[0].Params["reason"])
	assert.Equal(t, "d9", commander.commands[1].DeviceID)
	assert.Equal(t, "spooler", commander.commands[1].Params["service"])
}

func TestAgentCommands_Failures(t *testing.T) {
	commander := &recordingCommander{err: errors.New("no responders")}
	r := newRegistry(Dependencies{Commander: commander})

	outcome := r.Execute(context.Background(), act(model.ActionIsolateDevice, `{}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "no responders")

	outcome = r.Execute(context.Background(), act(model.ActionIsolateDevice, `{}`), model.NewEvent("nightly"))
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "no target device")
}

func TestRestartService_Docker(t *testing.T) {
	docker := &fakeDocker{}
	r := newRegistry(Dependencies{Docker: docker})

	outcome := r.Execute(context.Background(),
		act(model.ActionRestartService, `{"runtime":"docker","container":"web-1"}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status)
	assert.Equal(t, []string{"web-1"}, docker.restarted)

	docker.err = errors.New("no such container")
	outcome = r.Execute(context.Background(),
		act(model.ActionRestartService, `{"runtime":"docker","service":"db"}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)

	noDocker := newRegistry(Dependencies{})
	outcome = noDocker.Execute(context.Background(),
		act(model.ActionRestartService, `{"runtime":"docker","container":"web-1"}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
}

func TestRunScript_Local(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	r := newRegistry(Dependencies{AllowLocal: true})

	outcome := r.Execute(context.Background(),
		act(model.ActionRunScript, `{"script":"sh","args":["-c","echo cleaned {{device_id}}"],"local":true}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status, outcome.Message)
	assert.Contains(t, outcome.Message, "cleaned d1")

	outcome = r.Execute(context.Background(),
		act(model.ActionRunScript, `{"script":"sh","args":["-c","exit 3"],"local":true}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)

	outcome = r.Execute(context.Background(),
		act(model.ActionRunScript, `{"script":"sleep","args":["5"],"local":true,"timeout":0.05}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "timed out")
}

type stubChannel struct {
	name string
	err  error
	got  []alerting.Notification
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(_ context.Context, n alerting.Notification) error {
	c.got = append(c.got, n)
	return c.err
}

func TestNotify_Channels(t *testing.T) {
	email := &stubChannel{name: "email"}
	pager := &stubChannel{name: "pager", err: errors.New("down")}
	r := newRegistry(Dependencies{Router: alerting.NewRouter([]string{"email"}, email, pager)})

	outcome := r.Execute(context.Background(), act(model.ActionNotify, `{"message":"{{device_id}} disk at {{usage}}%"}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status)
	require.Len(t, email.got, 1)
	assert.Equal(t, "d1 disk at 97.5%", email.got[0].Body)
	assert.Equal(t, "[RMM] disk_full", email.got[0].Subject)

	outcome = r.Execute(context.Background(), act(model.ActionNotify, `{"channel":"pager"}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)

	outcome = r.Execute(context.Background(), act(model.ActionNotify, `{"channel":"pager,email"}`), diskEvent())
	assert.Equal(t, model.OutcomeSuccess, outcome.Status)
	assert.Contains(t, outcome.Message, "failed on pager")

	outcome = r.Execute(context.Background(), act(model.ActionNotify, `{"channel":"sms"}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "unknown channel")
}

func TestCreateTicket_Webhook(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	var received ticketRequest
	httpmock.RegisterResponder(http.MethodPost, "https://tickets.example.com/api/tickets",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			return httpmock.NewJsonResponse(http.StatusCreated, map[string]interface{}{"id": 4711})
		})

	h := NewCreateTicketHandler(zap.NewNop(), TicketConfig{URL: "https://tickets.example.com/api/tickets"}, client)
	r := NewRegistry(zap.NewNop(), true)
	r.RegisterHandler(model.ActionCreateTicket, h)

	outcome := r.Execute(context.Background(),
		act(model.ActionCreateTicket, `{"title":"Disk full on {{device_id}}","priority":"high"}`), diskEvent())
	require.Equal(t, model.OutcomeSuccess, outcome.Status, outcome.Message)
	assert.Contains(t, outcome.Message, "4711")
	assert.Equal(t, "Disk full on d1", received.Title)
	assert.Equal(t, "high", received.Priority)
	assert.Equal(t, "d1", received.DeviceID)
	assert.Equal(t, "disk_full", received.Event.Type)
}

func TestCreateTicket_WebhookFailure(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://tickets.example.com/api/tickets",
		httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	h := NewCreateTicketHandler(zap.NewNop(), TicketConfig{URL: "https://tickets.example.com/api/tickets"}, client)
	outcome := h.Execute(context.Background(), json.RawMessage(`{}`), diskEvent())
	assert.Equal(t, model.OutcomeFailure, outcome.Status)
	assert.Contains(t, outcome.Message, "500")
}

func TestExpand_LeavesUnknownPlaceholders(t *testing.T) {
	out, err := expand(json.RawMessage(`{"a":"{{device_id}}/{{missing}}","n":3,"l":["{{event_type}}"]}`), diskEvent())
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"d1/{{missing}}","n":3,"l":["disk_full"]}`, string(out))
}
