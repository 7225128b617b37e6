package alerting

import (
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/t77yq/rmm-automation/internal/model"
)

// DedupStrategy decides whether an intent repeats an alert that was already raised.
type DedupStrategy interface {
	// Claim reserves intent for the alert alertID is about to name. When an
	// earlier alert holds the reservation its id is returned with claimed false.
	Claim(intent model.AlertIntent, alertID string) (existingID string, claimed bool)
	// Release gives up a reservation whose alert could not be persisted.
	Release(intent model.AlertIntent, alertID string)
}

// NoDedup persists every breach as its own alert.
type NoDedup struct{}

func (NoDedup) Claim(model.AlertIntent, string) (string, bool) { return "", true }

func (NoDedup) Release(model.AlertIntent, string) {}

// WindowDedup coalesces intents for the same device, metric and rule raised
// within a time window of the first alert.
type WindowDedup struct {
	window time.Duration
	cache  *cache.Cache

	mu sync.Mutex
}

// NewWindowDedup creates a WindowDedup with the given window.
func NewWindowDedup(window time.Duration) *WindowDedup {
	return &WindowDedup{
		window: window,
		cache:  cache.New(window, 2*window),
	}
}

func (d *WindowDedup) Claim(intent model.AlertIntent, alertID string) (string, bool) {
	key := dedupKey(intent.DeviceID, intent.Metric, intent.RuleID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.cache.Get(key); ok {
		return v.(string), false
	}
	// The window starts at the first alert; later ones never extend it.
	d.cache.Set(key, alertID, d.window)
	return "", true
}

func (d *WindowDedup) Release(intent model.AlertIntent, alertID string) {
	key := dedupKey(intent.DeviceID, intent.Metric, intent.RuleID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.cache.Get(key); ok && v.(string) == alertID {
		d.cache.Delete(key)
	}
}

func dedupKey(deviceID, metric string, ruleID *string) string {
	rule := "-"
	if ruleID != nil {
		rule = *ruleID
	}
	return strings.Join([]string{deviceID, metric, rule}, "|")
}
