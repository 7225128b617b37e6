package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/rmm-automation/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Health.Ping(ctx); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var sample model.TelemetrySample
	if err := decode(w, r, &sample); err != nil {
		h.writeError(w, r, err)
		return
	}

	id, err := h.deps.Ingester.Ingest(r.Context(), &sample)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"sample_id": id})
}

func (h *Handler) listSamples(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	samples, err := h.deps.Samples.ListSamples(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"samples": samples})
}

// raiseAlertRequest keeps value and threshold as pointers so an absent key is
// told apart from a zero reading.
type raiseAlertRequest struct {
	DeviceID    string   `json:"device_id"`
	Metric      string   `json:"metric"`
	Value       *float64 `json:"value"`
	Threshold   *float64 `json:"threshold"`
	RuleID      *string  `json:"rule_id,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Description string   `json:"description,omitempty"`
	Channel     string   `json:"channel,omitempty"`
}

func (req *raiseAlertRequest) intent() (model.AlertIntent, error) {
	if req.Value == nil {
		return model.AlertIntent{}, &model.ValidationError{Field: "value", Message: "is required"}
	}
	if req.Threshold == nil {
		return model.AlertIntent{}, &model.ValidationError{Field: "threshold", Message: "is required"}
	}
	return model.AlertIntent{
		DeviceID:    req.DeviceID,
		Metric:      req.Metric,
		Value:       *req.Value,
		Threshold:   *req.Threshold,
		RuleID:      req.RuleID,
		Suggestion:  req.Suggestion,
		Description: req.Description,
		Channel:     req.Channel,
	}, nil
}

func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var req raiseAlertRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := req.intent()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	id, err := h.deps.Alerts.Raise(r.Context(), intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"alert_id": id})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	alerts, err := h.deps.AlertLog.ListAlerts(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.AlertLog.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if err := decode(w, r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := rule.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.deps.Rules.CreateRule(r.Context(), &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"rule_id": rule.ID})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.deps.Rules.ListRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

type createWorkflowRequest struct {
	Name       string                 `json:"name"`
	EventType  string                 `json:"event_type"`
	Conditions model.Conditions       `json:"conditions"`
	Actions    []model.WorkflowAction `json:"actions"`
	TestEvent  *model.Event           `json:"test_event,omitempty"`
}

type createWorkflowResponse struct {
	WorkflowID  string                `json:"workflow_id"`
	TestResults []model.ActionOutcome `json:"test_results,omitempty"`
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	wf := &model.Workflow{
		Name:       req.Name,
		EventType:  req.EventType,
		Conditions: req.Conditions,
		Actions:    make([]model.WorkflowAction, len(req.Actions)),
	}
	for i, a := range req.Actions {
		wf.Actions[i] = model.WorkflowAction{Position: i, Kind: a.Kind, Params: a.Params}
	}

	outcomes, err := h.deps.Workflows.CreateWorkflow(r.Context(), wf, req.TestEvent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createWorkflowResponse{WorkflowID: wf.ID, TestResults: outcomes})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.deps.Workflows.ListWorkflows(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.deps.Workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Workflows.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testWorkflow(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := decode(w, r, &event); err != nil {
		h.writeError(w, r, err)
		return
	}

	outcomes, err := h.deps.Workflows.Test(r.Context(), chi.URLParam(r, "id"), event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": outcomes})
}

type submitEventResponse struct {
	Processed int                     `json:"processed"`
	Results   []model.ExecutionResult `json:"results"`
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := decode(w, r, &event); err != nil {
		h.writeError(w, r, err)
		return
	}

	results, err := h.deps.Workflows.Submit(r.Context(), event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, submitEventResponse{Processed: len(results), Results: results})
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	logs, err := h.deps.Logs.ListLogs(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules := []*model.EventSchedule{}
	if h.deps.Schedules != nil {
		schedules = h.deps.Schedules.ListSchedules()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}
