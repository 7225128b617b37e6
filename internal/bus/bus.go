// Package bus carries events, telemetry and agent commands over NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

const (
	eventStreamName   = "EVENTS"
	eventSubjectBase  = "event"
	eventSubjects     = "event.>"
	telemetryStream   = "TELEMETRY"
	telemetrySubject  = "telemetry.samples"
	commandStreamName = "AGENT_COMMANDS"
	commandSubjects   = "agent.*.command"
)

// Config defines stream retention and consumer settings
type Config struct {
	// QueueGroup is shared by all service instances so each message is handled once.
	QueueGroup string
	MaxAge     time.Duration
	AckWait    time.Duration
	MaxDeliver int
}

// Bus is the JetStream transport of the automation core.
type Bus struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	config Config

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New creates the bus and makes sure its streams exist.
func New(js nats.JetStreamContext, logger *zap.Logger, config Config) (*Bus, error) {
	if config.QueueGroup == "" {
		config.QueueGroup = "rmm_automation"
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.AckWait <= 0 {
		config.AckWait = 30 * time.Second
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = 3
	}

	b := &Bus{
		logger: logger.Named("bus"),
		js:     js,
		config: config,
	}
	if err := b.setup(); err != nil {
		return nil, err
	}
	return b, nil
}

// setup creates or updates the streams
func (b *Bus) setup() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{name: eventStreamName, subjects: []string{eventSubjects}},
		{name: telemetryStream, subjects: []string{telemetrySubject}},
		{name: commandStreamName, subjects: []string{commandSubjects}},
	}

	for _, stream := range streams {
		streamInfo, err := b.js.StreamInfo(stream.name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if streamInfo == nil {
			_, err = b.js.AddStream(&nats.StreamConfig{
				Name:       stream.name,
				Subjects:   stream.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     b.config.MaxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: 1 * 1024 * 1024, // 1MB
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
			}
			b.logger.Info("Created stream", zap.String("name", stream.name))
		} else {
			config := streamInfo.Config
			config.Subjects = stream.subjects
			config.MaxAge = b.config.MaxAge
			config.MaxMsgSize = 1 * 1024 * 1024
			config.Duplicates = time.Hour

			_, err = b.js.UpdateStream(&config)
			if err != nil {
				return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
			}
			b.logger.Info("Updated stream", zap.String("name", stream.name))
		}
	}
	return nil
}

// EventSubject returns the subject an event of eventType is published on.
func EventSubject(eventType string) string {
	return eventSubjectBase + "." + subjectPath(eventType)
}

// CommandSubject returns the subject the agent of deviceID listens on.
func CommandSubject(deviceID string) string {
	return "agent." + subjectToken(deviceID) + ".command"
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")
	if s = r.Replace(s); s == "" {
		return "_"
	}
	return s
}

// subjectPath keeps dots as token separators but drops empty tokens.
func subjectPath(s string) string {
	parts := strings.Split(s, ".")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		tokens = append(tokens, subjectToken(p))
	}
	if len(tokens) == 0 {
		return "_"
	}
	return strings.Join(tokens, ".")
}

// Publish implements alerting.EventPublisher. Alert events are de-duplicated by
// the stream on their alert id.
func (b *Bus) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id, ok := event.Payload["alert_id"].(string); ok && id != "" {
		opts = append(opts, nats.MsgId(event.Type+":"+id))
	}

	subject := EventSubject(event.Type)
	if _, err := b.js.Publish(subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// PublishSample queues a telemetry sample for ingestion.
func (b *Bus) PublishSample(ctx context.Context, sample *model.TelemetrySample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if _, err := b.js.Publish(telemetrySubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish sample: %w", err)
	}
	return nil
}

// SendCommand implements action.AgentCommander.
func (b *Bus) SendCommand(ctx context.Context, cmd model.AgentCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	subject := CommandSubject(cmd.DeviceID)
	if _, err := b.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(cmd.ID)); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	b.logger.Info("Agent command sent",
		zap.String("subject", subject),
		zap.String("command_id", cmd.ID),
		zap.String("action", cmd.Action))
	return nil
}

// EventHandler processes one event delivery. deliveryKey is the same on every
// redelivery of a message and differs between messages.
type EventHandler func(ctx context.Context, deliveryKey string, event model.Event) error

// SubscribeEvents feeds every published event to handler. Messages are acked
// after handler returns nil and redelivered otherwise.
func (b *Bus) SubscribeEvents(handler EventHandler) error {
	return b.subscribe(eventSubjects, b.config.QueueGroup+"_events", func(ctx context.Context, msg *nats.Msg) (bool, error) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return false, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		return true, handler(ctx, deliveryKey(msg), event)
	})
}

// deliveryKey derives a redelivery-stable key from the stream sequence.
func deliveryKey(msg *nats.Msg) string {
	meta, err := msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

// SubscribeTelemetry feeds queued samples to handler with the same ack rules as
// SubscribeEvents.
func (b *Bus) SubscribeTelemetry(handler func(ctx context.Context, sample *model.TelemetrySample) error) error {
	return b.subscribe(telemetrySubject, b.config.QueueGroup+"_telemetry", func(ctx context.Context, msg *nats.Msg) (bool, error) {
		var sample model.TelemetrySample
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			return false, fmt.Errorf("failed to unmarshal sample: %w", err)
		}
		return true, handler(ctx, &sample)
	})
}

// subscribe wires a queue subscription. process reports whether the payload was
// decodable; undecodable messages are terminated instead of redelivered.
func (b *Bus) subscribe(subject, queue string, process func(ctx context.Context, msg *nats.Msg) (bool, error)) error {
	sub, err := b.js.QueueSubscribe(
		subject,
		queue,
		func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), b.config.AckWait)
			defer cancel()

			decoded, err := process(ctx, msg)
			switch {
			case err == nil:
				if err := msg.Ack(); err != nil {
					b.logger.Error("Failed to acknowledge message", zap.Error(err))
				}
			case !decoded:
				b.logger.Error("Dropping malformed message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if err := msg.Term(); err != nil {
					b.logger.Error("Failed to terminate message", zap.Error(err))
				}
			default:
				b.logger.Error("Failed to process message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if err := msg.Nak(); err != nil {
					b.logger.Error("Failed to nak message", zap.Error(err))
				}
			}
		},
		nats.ManualAck(),
		nats.AckWait(b.config.AckWait),
		nats.MaxDeliver(b.config.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Info("Subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

// Close drains the subscriptions. The NATS connection is owned by the caller.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Error("Failed to drain subscription", zap.Error(err))
		}
	}
	b.subs = nil
}
