package alerting

import "errors"

// ErrChannelNotConfigured is returned when a channel lacks required settings.
var ErrChannelNotConfigured = errors.New("notification channel is not configured")
