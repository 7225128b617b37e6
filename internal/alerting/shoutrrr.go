package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrChannel sends notifications to any service URL shoutrrr understands
// (slack://, telegram://, ntfy://, ...).
type ShoutrrrChannel struct {
	name   string
	sender *router.ServiceRouter
}

// NewShoutrrrChannel creates a channel delivering to all urls.
func NewShoutrrrChannel(name string, urls ...string) (*ShoutrrrChannel, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: shoutrrr requires at least one url", ErrChannelNotConfigured)
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("failed to create shoutrrr sender: %w", err)
	}
	return &ShoutrrrChannel{name: name, sender: sender}, nil
}

func (c *ShoutrrrChannel) Name() string { return c.name }

// Send implements NotificationChannel.Send. The sender has no context support, so
// it runs in its own goroutine and is abandoned when ctx expires.
func (c *ShoutrrrChannel) Send(ctx context.Context, n Notification) error {
	done := make(chan error, 1)
	go func() {
		params := types.Params{"title": n.Subject}
		var errs []error
		for _, err := range c.sender.Send(n.Body, &params) {
			if err != nil {
				errs = append(errs, err)
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shoutrrr send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
