package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures an HTTP JSON webhook channel, e.g. an SMS gateway.
type WebhookConfig struct {
	Name          string
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// WebhookChannel POSTs the notification as JSON.
type WebhookChannel struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookChannel creates a webhook channel. A nil client gets one with the
// configured timeout (10s by default).
func NewWebhookChannel(config WebhookConfig, client *http.Client) (*WebhookChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: webhook requires a url", ErrChannelNotConfigured)
	}
	if config.Name == "" {
		config.Name = "webhook"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &WebhookChannel{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (c *WebhookChannel) Name() string { return c.config.Name }

// Send implements NotificationChannel.Send
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limited: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
