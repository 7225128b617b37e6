package alerting

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/t77yq/rmm-automation/internal/model"
)

// Notification is the rendered message handed to a channel.
// Alert is nil for free-form notifications sent by workflow actions.
type Notification struct {
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
	Alert   *model.Alert `json:"alert,omitempty"`
}

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// NewAlertNotification renders the default message for alert.
func NewAlertNotification(alert *model.Alert) Notification {
	subject := fmt.Sprintf("[RMM] %s alert on %s", alert.Metric, alert.DeviceID)

	var b strings.Builder
	if alert.Description != "" {
		fmt.Fprintf(&b, "%s\n", alert.Description)
	}
	fmt.Fprintf(&b, "Device: %s\n", alert.DeviceID)
	fmt.Fprintf(&b, "Metric: %s\n", alert.Metric)
	fmt.Fprintf(&b, "Value: %s (threshold %s)\n", formatFloat(alert.Value), formatFloat(alert.Threshold))
	if alert.Suggestion != "" {
		fmt.Fprintf(&b, "Suggestion: %s\n", alert.Suggestion)
	}
	fmt.Fprintf(&b, "Raised at: %s", alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	return Notification{Subject: subject, Body: b.String(), Alert: alert}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Router resolves channel names to registered channels.
type Router struct {
	mu       sync.RWMutex
	channels map[string]NotificationChannel
	defaults []string
}

// NewRouter creates a router. defaults are used for alerts that name no channel.
func NewRouter(defaults []string, channels ...NotificationChannel) *Router {
	r := &Router{
		channels: make(map[string]NotificationChannel),
		defaults: defaults,
	}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

// Register adds ch, replacing any channel with the same name.
func (r *Router) Register(ch NotificationChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (r *Router) Get(name string) (NotificationChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the registered channel names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a comma-separated channel list to channels. An empty list resolves
// to the defaults. Names without a registered channel are returned in missing.
func (r *Router) Resolve(spec string) (channels []NotificationChannel, missing []string) {
	names := splitNames(spec)
	if len(names) == 0 {
		names = r.defaults
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		if ch, ok := r.channels[name]; ok {
			channels = append(channels, ch)
		} else {
			missing = append(missing, name)
		}
	}
	return channels, missing
}

func splitNames(spec string) []string {
	var names []string
	for _, part := range strings.Split(spec, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
