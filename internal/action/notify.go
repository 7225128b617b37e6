package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/model"
)

// NotifyParams are the parameters of a notify action.
type NotifyParams struct {
	Channel string `json:"channel,omitempty"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message,omitempty"`
}

// NotifyHandler sends a message through the alerting channels.
type NotifyHandler struct {
	logger  *zap.Logger
	router  *alerting.Router
	timeout time.Duration
}

// NewNotifyHandler creates the handler. A nil router simulates delivery.
func NewNotifyHandler(logger *zap.Logger, router *alerting.Router, timeout time.Duration) *NotifyHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotifyHandler{
		logger:  logger.Named("notify"),
		router:  router,
		timeout: timeout,
	}
}

func (h *NotifyHandler) Validate(params json.RawMessage) error {
	var p NotifyParams
	return decode(params, &p)
}

func (h *NotifyHandler) Execute(ctx context.Context, params json.RawMessage, event model.Event) model.ActionOutcome {
	var p NotifyParams
	if err := decode(params, &p); err != nil {
		return failure(model.ActionNotify, "%v", err)
	}

	n := alerting.Notification{Subject: p.Subject, Body: p.Message}
	if n.Subject == "" {
		n.Subject = fmt.Sprintf("[RMM] %s", event.Type)
	}
	if n.Body == "" {
		n.Body = fmt.Sprintf("Event %s", event.Type)
		if device := event.DeviceID(); device != "" {
			n.Body += " on device " + device
		}
	}

	if h.router == nil {
		return success(model.ActionNotify, "Notification sent (simulated)")
	}

	channels, missing := h.router.Resolve(p.Channel)
	if len(channels) == 0 {
		if len(missing) > 0 {
			return failure(model.ActionNotify, "unknown channel(s): %s", strings.Join(missing, ", "))
		}
		return failure(model.ActionNotify, "no notification channel configured")
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sent   []string
		failed []string
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch alerting.NotificationChannel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			err := ch.Send(sendCtx, n)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Error("Failed to send notification", zap.String("channel", ch.Name()), zap.Error(err))
				failed = append(failed, ch.Name())
				return
			}
			sent = append(sent, ch.Name())
		}(ch)
	}
	wg.Wait()

	failed = append(failed, missing...)
	if len(sent) == 0 {
		return failure(model.ActionNotify, "notification failed on: %s", strings.Join(failed, ", "))
	}
	if len(failed) > 0 {
		return success(model.ActionNotify, "Notification sent via %s; failed on %s",
			strings.Join(sent, ", "), strings.Join(failed, ", "))
	}
	return success(model.ActionNotify, "Notification sent via %s", strings.Join(sent, ", "))
}
