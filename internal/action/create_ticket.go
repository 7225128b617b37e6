package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

var ticketPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// CreateTicketParams are the parameters of a create_ticket action.
type CreateTicketParams struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// TicketConfig configures the ticketing webhook.
type TicketConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// CreateTicketHandler opens a ticket through an HTTP ticketing webhook.
type CreateTicketHandler struct {
	logger     *zap.Logger
	config     TicketConfig
	httpClient *http.Client
}

// NewCreateTicketHandler creates the handler. An empty URL simulates ticket creation.
func NewCreateTicketHandler(logger *zap.Logger, config TicketConfig, client *http.Client) *CreateTicketHandler {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &CreateTicketHandler{
		logger:     logger.Named("create-ticket"),
		config:     config,
		httpClient: client,
	}
}

func (h *CreateTicketHandler) Validate(params json.RawMessage) error {
	var p CreateTicketParams
	if err := decode(params, &p); err != nil {
		return err
	}
	if p.Priority != "" && !ticketPriorities[p.Priority] {
		return fmt.Errorf("unsupported priority %q", p.Priority)
	}
	return nil
}

type ticketRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Priority    string      `json:"priority"`
	DeviceID    string      `json:"device_id,omitempty"`
	Event       model.Event `json:"event"`
}

func (h *CreateTicketHandler) Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome {
	var p CreateTicketParams
	if err := decode(params, &p); err != nil {
		return failure(model.ActionCreateTicket, "%v", err)
	}

	ticket := ticketRequest{
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
		DeviceID:    targetDevice(p.DeviceID, event),
		Event:       event,
	}
	if ticket.Title == "" {
		ticket.Title = fmt.Sprintf("Automated ticket: %s", event.Type)
	}
	if ticket.Priority == "" {
		ticket.Priority = "medium"
	}

	if h.config.URL == "" {
		return success(model.ActionCreateTicket, "Ticket %q created (simulated)", ticket.Title)
	}

	body, err := json.Marshal(ticket)
	if err != nil {
		return failure(model.ActionCreateTicket, "failed to marshal ticket: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return failure(model.ActionCreateTicket, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}

	h.logger.Info("Creating ticket",
		zap.String("title", ticket.Title),
		zap.String("priority", ticket.Priority))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return failure(model.ActionCreateTicket, "ticketing request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 400 {
		return failure(model.ActionCreateTicket, "ticketing API returned HTTP %d", resp.StatusCode)
	}

	var created struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err == nil && created.ID != nil {
		return success(model.ActionCreateTicket, "Ticket %v created", created.ID)
	}
	return success(model.ActionCreateTicket, "Ticket %q created", ticket.Title)
}
